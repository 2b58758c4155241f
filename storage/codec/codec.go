// Package codec encodes storage records using the protocol buffers wire format.
//
// The layout is hand-maintained rather than generated so that the durable
// formats carry no generated code. Unknown fields are skipped on decode, which
// allows fields to be added without rewriting existing logs.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/overtonx/edgebox/storage"
)

const (
	fieldID        protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldPayload   protowire.Number = 3
	fieldHeader    protowire.Number = 4
	fieldAttempts  protowire.Number = 5
	fieldStatus    protowire.Number = 6
	fieldLastError protowire.Number = 7

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// ErrMalformed is returned when a buffer does not hold a valid record.
var ErrMalformed = errors.New("malformed record")

// AppendRecord appends the wire encoding of rec to b.
func AppendRecord(b []byte, rec storage.Record) []byte {
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.ID))

	if !rec.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(rec.Timestamp.UnixNano()))
	}

	if len(rec.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, rec.Payload)
	}

	// Sorted so that equal records always encode to equal bytes.
	keys := make([]string, 0, len(rec.Headers))
	for k := range rec.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var h []byte
		h = protowire.AppendTag(h, fieldHeaderKey, protowire.BytesType)
		h = protowire.AppendString(h, k)
		h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
		h = protowire.AppendString(h, rec.Headers[k])

		b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}

	if rec.Attempts > 0 {
		b = protowire.AppendTag(b, fieldAttempts, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rec.Attempts))
	}

	if rec.Status != storage.StatusPending {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(rec.Status))
	}

	if rec.LastError != "" {
		b = protowire.AppendTag(b, fieldLastError, protowire.BytesType)
		b = protowire.AppendString(b, rec.LastError)
	}

	return b
}

// MarshalRecord returns the wire encoding of rec.
func MarshalRecord(rec storage.Record) []byte {
	return AppendRecord(nil, rec)
}

// UnmarshalRecord decodes a record previously produced by MarshalRecord.
func UnmarshalRecord(b []byte) (storage.Record, error) {
	var rec storage.Record

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return storage.Record{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return storage.Record{}, fieldError(num, m)
			}
			rec.ID = int64(v)
			n = m

		case num == fieldTimestamp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return storage.Record{}, fieldError(num, m)
			}
			rec.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			n = m

		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return storage.Record{}, fieldError(num, m)
			}
			rec.Payload = append([]byte(nil), v...)
			n = m

		case num == fieldHeader && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return storage.Record{}, fieldError(num, m)
			}
			k, val, err := unmarshalHeader(v)
			if err != nil {
				return storage.Record{}, err
			}
			if rec.Headers == nil {
				rec.Headers = make(map[string]string)
			}
			rec.Headers[k] = val
			n = m

		case num == fieldAttempts && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return storage.Record{}, fieldError(num, m)
			}
			rec.Attempts = int(v)
			n = m

		case num == fieldStatus && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return storage.Record{}, fieldError(num, m)
			}
			rec.Status = int(v)
			n = m

		case num == fieldLastError && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return storage.Record{}, fieldError(num, m)
			}
			rec.LastError = v
			n = m

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return storage.Record{}, fieldError(num, n)
			}
		}

		b = b[n:]
	}

	if rec.ID <= 0 {
		return storage.Record{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}

	return rec, nil
}

func unmarshalHeader(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: header: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldHeaderKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == fieldHeaderValue && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", "", fmt.Errorf("%w: header: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return key, value, nil
}

func fieldError(num protowire.Number, n int) error {
	return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
}
