package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/learn-decentralized-systems/toytlv"
)

func appendString(body [][]byte, lit byte, s string) [][]byte {
	if s == "" {
		return body
	}
	return append(body, toytlv.Record(lit, []byte(s)))
}

func be8(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Tlv encodes the payload as a single topic-lit record.
func (p *Payload) Tlv() []byte {
	var body [][]byte
	switch p.Topic {
	case TopicNewObj:
		body = appendString(body, 'T', p.Type)
		body = appendString(body, 'P', p.Permalink)
		body = appendString(body, 'L', p.Link)
		body = appendString(body, 'R', p.Recipient)
		if p.ObjectInfo != nil {
			body = append(body, toytlv.Record('O', p.ObjectInfo.tlv()...))
		}
	case TopicShare:
		body = appendString(body, 'C', p.Context)
		body = appendString(body, 'R', p.Recipient)
		body = append(body, toytlv.Record('Q', be8(p.Seq)))
		body = append(body, toytlv.Record('W', be8(uint64(p.Timestamp))))
	case TopicUnshare:
		body = appendString(body, 'C', p.Context)
		body = appendString(body, 'R', p.Recipient)
		body = append(body, toytlv.Record('W', be8(uint64(p.Timestamp))))
	}
	return toytlv.Record(byte(p.Topic), body...)
}

func (oi *ObjectInfo) tlv() [][]byte {
	var body [][]byte
	body = appendString(body, 'P', oi.Permalink)
	body = appendString(body, 'L', oi.Link)
	body = appendString(body, 'T', oi.Type)
	return body
}

func parseObjectInfo(data []byte) (*ObjectInfo, error) {
	oi := &ObjectInfo{}
	for len(data) > 0 {
		lit, body, rest := toytlv.TakeAny(data)
		if body == nil {
			return nil, errors.Join(ErrBadPayload, fmt.Errorf("truncated objectinfo, %d bytes left", len(data)))
		}
		switch lit {
		case 'P':
			oi.Permalink = string(body)
		case 'L':
			oi.Link = string(body)
		case 'T':
			oi.Type = string(body)
		}
		data = rest
	}
	return oi, nil
}

// ParsePayload decodes a payload previously encoded with Tlv.
func ParsePayload(data []byte) (*Payload, error) {
	lit, body, _ := toytlv.TakeAny(data)
	if body == nil {
		return nil, errors.Join(ErrBadPayload, fmt.Errorf("truncated payload envelope"))
	}
	p := &Payload{Topic: Topic(lit)}
	switch p.Topic {
	case TopicNewObj, TopicShare, TopicUnshare:
	default:
		return nil, errors.Join(ErrBadPayload, fmt.Errorf("unknown topic %q", lit))
	}
	for len(body) > 0 {
		lit, rec, rest := toytlv.TakeAny(body)
		if rec == nil {
			return nil, errors.Join(ErrBadPayload, fmt.Errorf("truncated %c payload, %d bytes left", p.Topic, len(body)))
		}
		switch lit {
		case 'T':
			p.Type = string(rec)
		case 'P':
			p.Permalink = string(rec)
		case 'L':
			p.Link = string(rec)
		case 'R':
			p.Recipient = string(rec)
		case 'C':
			p.Context = string(rec)
		case 'Q':
			if len(rec) != 8 {
				return nil, errors.Join(ErrBadPayload, fmt.Errorf("payload seq is %d bytes, want 8", len(rec)))
			}
			p.Seq = binary.BigEndian.Uint64(rec)
		case 'W':
			if len(rec) != 8 {
				return nil, errors.Join(ErrBadPayload, fmt.Errorf("payload timestamp is %d bytes, want 8", len(rec)))
			}
			p.Timestamp = int64(binary.BigEndian.Uint64(rec))
		case 'O':
			oi, err := parseObjectInfo(rec)
			if err != nil {
				return nil, err
			}
			p.ObjectInfo = oi
		}
		body = rest
	}
	return p, nil
}

// Tlv encodes the body canonically: fixed field order, attrs sorted by
// key. Content addresses are computed over this encoding, so it must be
// deterministic.
func (b *Body) Tlv() []byte {
	var body [][]byte
	body = appendString(body, 'T', b.Type)
	body = appendString(body, 'C', b.Context)
	body = appendString(body, 'A', b.Author)
	body = appendString(body, 'R', b.Recipient)
	if b.Object != nil {
		body = append(body, toytlv.Record('O', b.Object.Tlv()))
	}
	if len(b.Attrs) > 0 {
		keys := make([]string, 0, len(b.Attrs))
		for k := range b.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv := append(append([]byte(k), 0), b.Attrs[k]...)
			body = append(body, toytlv.Record('X', kv))
		}
	}
	return toytlv.Concat(body...)
}

// ParseBody decodes a body previously encoded with Tlv.
func ParseBody(data []byte) (*Body, error) {
	b := &Body{}
	for len(data) > 0 {
		lit, rec, rest := toytlv.TakeAny(data)
		if rec == nil {
			return nil, errors.Join(ErrBadBody, fmt.Errorf("truncated body, %d bytes left", len(data)))
		}
		switch lit {
		case 'T':
			b.Type = string(rec)
		case 'C':
			b.Context = string(rec)
		case 'A':
			b.Author = string(rec)
		case 'R':
			b.Recipient = string(rec)
		case 'O':
			inner, err := ParseBody(rec)
			if err != nil {
				return nil, err
			}
			b.Object = inner
		case 'X':
			var k, v string
			for i := 0; i < len(rec); i++ {
				if rec[i] == 0 {
					k, v = string(rec[:i]), string(rec[i+1:])
					break
				}
			}
			if k == "" {
				return nil, errors.Join(ErrBadBody, fmt.Errorf("attr record without a key"))
			}
			if b.Attrs == nil {
				b.Attrs = make(map[string]string)
			}
			b.Attrs[k] = v
		}
		data = rest
	}
	return b, nil
}
