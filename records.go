package reshare

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/learn-decentralized-systems/toytlv"
)

// PairKey is the share-view primary key for a (context, recipient)
// pair.
func PairKey(context, recipient string) string {
	return context + ":" + recipient
}

// MessageRecord is the message-view row: one immutable record per
// observed message permalink.
type MessageRecord struct {
	Permalink string
	Context   string
	Recipient string
	// Seq is the change index at which the message was first observed
	// locally, not any application-level sequence.
	Seq uint64
}

func (m *MessageRecord) Tlv() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], m.Seq)
	recs := [][]byte{toytlv.Record('P', []byte(m.Permalink))}
	if m.Context != "" {
		recs = append(recs, toytlv.Record('C', []byte(m.Context)))
	}
	if m.Recipient != "" {
		recs = append(recs, toytlv.Record('R', []byte(m.Recipient)))
	}
	recs = append(recs, toytlv.Record('Q', b[:]))
	return toytlv.Concat(recs...)
}

func ParseMessageRecord(data []byte) (*MessageRecord, error) {
	m := &MessageRecord{}
	for len(data) > 0 {
		lit, body, rest := toytlv.TakeAny(data)
		if body == nil {
			return nil, errors.Join(ErrBadRecord, fmt.Errorf("truncated message record, %d bytes left", len(data)))
		}
		switch lit {
		case 'P':
			m.Permalink = string(body)
		case 'C':
			m.Context = string(body)
		case 'R':
			m.Recipient = string(body)
		case 'Q':
			if len(body) != 8 {
				return nil, errors.Join(ErrBadRecord, fmt.Errorf("message seq is %d bytes, want 8", len(body)))
			}
			m.Seq = binary.BigEndian.Uint64(body)
		}
		data = rest
	}
	if m.Permalink == "" {
		return nil, errors.Join(ErrBadRecord, fmt.Errorf("message record without a permalink"))
	}
	return m, nil
}

// ShareRecord is the share-view row: the cursor state of one
// (context, recipient) pair.
type ShareRecord struct {
	Context   string
	Recipient string
	Active    bool
	// Seq is the greatest change index already accounted for;
	// forwarding resumes strictly above it.
	Seq uint64
}

func (s *ShareRecord) Tlv() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], s.Seq)
	active := []byte{0}
	if s.Active {
		active[0] = 1
	}
	recs := [][]byte{}
	if s.Context != "" {
		recs = append(recs, toytlv.Record('C', []byte(s.Context)))
	}
	if s.Recipient != "" {
		recs = append(recs, toytlv.Record('R', []byte(s.Recipient)))
	}
	recs = append(recs, toytlv.Record('F', active), toytlv.Record('Q', b[:]))
	return toytlv.Concat(recs...)
}

func ParseShareRecord(data []byte) (*ShareRecord, error) {
	s := &ShareRecord{}
	for len(data) > 0 {
		lit, body, rest := toytlv.TakeAny(data)
		if body == nil {
			return nil, errors.Join(ErrBadRecord, fmt.Errorf("truncated share record, %d bytes left", len(data)))
		}
		switch lit {
		case 'C':
			s.Context = string(body)
		case 'R':
			s.Recipient = string(body)
		case 'F':
			if len(body) != 1 {
				return nil, errors.Join(ErrBadRecord, fmt.Errorf("share active flag is %d bytes, want 1", len(body)))
			}
			s.Active = body[0] == 1
		case 'Q':
			if len(body) != 8 {
				return nil, errors.Join(ErrBadRecord, fmt.Errorf("share seq is %d bytes, want 8", len(body)))
			}
			s.Seq = binary.BigEndian.Uint64(body)
		}
		data = rest
	}
	return s, nil
}
