// Package wire is the binary encoding of protocol messages and vote log records.
//
// Requests and responses are protobuf messages, encoded field by field:
//
//	message Request  { uint32 type = 1; uint32 priority = 2; string tx = 3; string coordinator = 4; bytes payload = 5; }
//	message Response { uint32 type = 1; bool success = 2; string tx = 3; string node = 4; string reason = 5; }
//
// Vote log records are [Len(4 bytes)] [Bytes] fields, big endian.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/txcoord/core/dto"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// system keys of the vote log phases
	KeyPrepared = "__tx:prepared"
	KeyCommit   = "__tx:commit"
	KeyAbort    = "__tx:abort"
)

var (
	ErrShortBuffer = errors.New("data too short")
	ErrMalformed   = errors.New("malformed message")
)

// Record is one entry of a participant's vote log.
type Record struct {
	Key     string
	Tx      dto.TransactionID
	Payload []byte
}

// Field numbers shared by requests and responses. Flag carries the priority
// or the success bit, peer the coordinator or the answering node, data the
// payload or the failure reason.
const (
	fieldType protowire.Number = iota + 1
	fieldFlag
	fieldTx
	fieldPeer
	fieldData
)

// EncodeRequest serializes a request. Zero fields are omitted.
func EncodeRequest(req dto.Request) []byte {
	var b []byte
	b = appendVarint(b, fieldType, uint64(req.Type))
	b = appendVarint(b, fieldFlag, uint64(req.Priority))
	b = appendBytes(b, fieldTx, []byte(req.Tx))
	b = appendBytes(b, fieldPeer, []byte(req.Coordinator))
	b = appendBytes(b, fieldData, req.Payload)
	return b
}

// DecodeRequest parses a request. The message type and transaction id are
// required; unknown fields are skipped.
func DecodeRequest(data []byte) (dto.Request, error) {
	var req dto.Request
	err := consumeFields(data, func(num protowire.Number, v uint64, b []byte) {
		switch num {
		case fieldType:
			req.Type = dto.MessageType(v)
		case fieldFlag:
			req.Priority = uint8(v)
		case fieldTx:
			req.Tx = dto.TransactionID(b)
		case fieldPeer:
			req.Coordinator = dto.NodeID(b)
		case fieldData:
			req.Payload = append([]byte(nil), b...)
		}
	})
	if err != nil {
		return dto.Request{}, errors.Wrap(err, "decode request")
	}
	if req.Type == 0 || req.Tx == "" {
		return dto.Request{}, errors.Wrap(ErrMalformed, "decode request: type and transaction id are required")
	}
	return req, nil
}

// EncodeResponse serializes a response. Zero fields are omitted.
func EncodeResponse(resp dto.Response) []byte {
	var b []byte
	b = appendVarint(b, fieldType, uint64(resp.Type))
	b = appendVarint(b, fieldFlag, protowire.EncodeBool(resp.Success))
	b = appendBytes(b, fieldTx, []byte(resp.Tx))
	b = appendBytes(b, fieldPeer, []byte(resp.Node))
	b = appendBytes(b, fieldData, []byte(resp.Reason))
	return b
}

// DecodeResponse parses a response. The message type is required.
func DecodeResponse(data []byte) (dto.Response, error) {
	var resp dto.Response
	err := consumeFields(data, func(num protowire.Number, v uint64, b []byte) {
		switch num {
		case fieldType:
			resp.Type = dto.MessageType(v)
		case fieldFlag:
			resp.Success = protowire.DecodeBool(v)
		case fieldTx:
			resp.Tx = dto.TransactionID(b)
		case fieldPeer:
			resp.Node = dto.NodeID(b)
		case fieldData:
			resp.Reason = string(b)
		}
	})
	if err != nil {
		return dto.Response{}, errors.Wrap(err, "decode response")
	}
	if resp.Type == 0 {
		return dto.Response{}, errors.Wrap(ErrMalformed, "decode response: type is required")
	}
	return resp, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields calls fn for every known varint or bytes field of data.
func consumeFields(data []byte, fn func(num protowire.Number, v uint64, b []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && num <= fieldFlag:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
			}
			fn(num, v, nil)
			data = data[n:]
		case typ == protowire.BytesType && num >= fieldTx && num <= fieldData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
			}
			fn(num, 0, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrapf(ErrMalformed, "field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

// EncodeRecord serializes a vote log record.
// Format: [Key] [Tx] [Payload]
func EncodeRecord(rec Record) []byte {
	var w writer
	w.bytes([]byte(rec.Key))
	w.bytes([]byte(rec.Tx))
	w.bytes(rec.Payload)
	return w.buf
}

func DecodeRecord(data []byte) (Record, error) {
	r := reader{buf: data}
	rec := Record{
		Key:     string(r.bytes()),
		Tx:      dto.TransactionID(r.bytes()),
		Payload: r.bytes(),
	}
	if r.err != nil {
		return Record{}, errors.Wrap(r.err, "decode record")
	}
	return rec, nil
}

type writer struct {
	buf []byte
}

func (w *writer) bytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader remembers the first error; reads after it return zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < 4 {
		r.err = errors.Wrap(ErrShortBuffer, "length prefix")
		return nil
	}
	n := binary.BigEndian.Uint32(r.buf)
	if uint64(len(r.buf)-4) < uint64(n) {
		r.err = errors.Wrapf(ErrShortBuffer, "want %d bytes, have %d", n, len(r.buf)-4)
		return nil
	}
	if n == 0 {
		r.buf = r.buf[4:]
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[4:4+n])
	r.buf = r.buf[4+n:]
	return out
}
