package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayloadRoundTrip(t *testing.T) {
	p := &Payload{
		Topic:     TopicNewObj,
		Type:      DefaultMessageType,
		Permalink: "abc123",
		Link:      "abc123",
		Recipient: "carol",
		ObjectInfo: &ObjectInfo{
			Permalink: "def456",
			Link:      "def456",
			Type:      "something",
		},
	}
	parsed, err := ParsePayload(p.Tlv())
	assert.NoError(t, err)
	assert.Equal(t, p.Topic, parsed.Topic)
	assert.Equal(t, p.Permalink, parsed.Permalink)
	assert.Equal(t, p.Recipient, parsed.Recipient)
	assert.Equal(t, "def456", parsed.ObjectInfo.Link)
	assert.Equal(t, "something", parsed.ObjectInfo.Type)

	s := &Payload{Topic: TopicShare, Context: "boo!", Recipient: "carol", Seq: 42, Timestamp: 1700000000}
	parsed, err = ParsePayload(s.Tlv())
	assert.NoError(t, err)
	assert.Equal(t, TopicShare, parsed.Topic)
	assert.Equal(t, "boo!", parsed.Context)
	assert.Equal(t, uint64(42), parsed.Seq)
	assert.Equal(t, int64(1700000000), parsed.Timestamp)

	u := &Payload{Topic: TopicUnshare, Context: "boo!", Recipient: "carol", Timestamp: 1700000001}
	parsed, err = ParsePayload(u.Tlv())
	assert.NoError(t, err)
	assert.Equal(t, TopicUnshare, parsed.Topic)
	assert.False(t, parsed.Seq != 0)
}

func TestBodyCanonicalEncoding(t *testing.T) {
	inner := &Body{Type: "something", Context: "boo!", Attrs: map[string]string{"hey": "ho", "a": "b"}}
	env := &Body{
		Type:      DefaultMessageType,
		Context:   "boo!",
		Author:    "alice",
		Recipient: "bob",
		Object:    inner,
	}
	parsed, err := ParseBody(env.Tlv())
	assert.NoError(t, err)
	assert.Equal(t, env, parsed)

	// attr order must not affect the encoding, content addresses
	// depend on it
	again := &Body{Type: "something", Context: "boo!", Attrs: map[string]string{"a": "b", "hey": "ho"}}
	assert.Equal(t, inner.Tlv(), again.Tlv())
}

func TestBodyInner(t *testing.T) {
	m1 := &Body{Type: "something"}
	env1 := &Body{Type: DefaultMessageType, Object: m1}
	env2 := &Body{Type: DefaultMessageType, Object: env1}
	assert.Same(t, m1, env2.Inner())
	assert.Same(t, m1, m1.Inner())
}

func TestParsePayloadRejectsGarbage(t *testing.T) {
	_, err := ParsePayload([]byte{0xff, 0xfe, 0xfd})
	assert.ErrorIs(t, err, ErrBadPayload)
}
