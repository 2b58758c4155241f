package filestore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/overtonx/edgebox/storage"
	"github.com/overtonx/edgebox/storage/codec"
)

const (
	frameHeaderSize = 8
	maxFrameSize    = 64 << 20
)

type op uint8

const (
	opPut    op = 1
	opUpdate op = 2
	opDelete op = 3
)

const (
	fieldOp     protowire.Number = 1
	fieldRecord protowire.Number = 2
	fieldIDs    protowire.Number = 3
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	errTornFrame    = errors.New("torn frame")
	errChecksum     = errors.New("checksum mismatch")
	errFrameTooLong = errors.New("frame length exceeds limit")
)

// entry is one logical change to the log. A put may carry ids evicted by it,
// so that the append and its evictions land in a single frame.
type entry struct {
	op     op
	record storage.Record
	ids    []int64
}

func encodeEntry(e entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.op))

	if e.op == opPut || e.op == opUpdate {
		rec := e.record
		if e.op == opUpdate {
			rec.Payload = nil
			rec.Headers = nil
		}
		b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, codec.MarshalRecord(rec))
	}

	if len(e.ids) > 0 {
		var packed []byte
		for _, id := range e.ids {
			packed = protowire.AppendVarint(packed, uint64(id))
		}
		b = protowire.AppendTag(b, fieldIDs, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	return b
}

func decodeEntry(b []byte) (entry, error) {
	var e entry

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return entry{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return entry{}, protowire.ParseError(m)
			}
			e.op = op(v)
			n = m

		case num == fieldRecord && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return entry{}, protowire.ParseError(m)
			}
			rec, err := codec.UnmarshalRecord(v)
			if err != nil {
				return entry{}, err
			}
			e.record = rec
			n = m

		case num == fieldIDs && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return entry{}, protowire.ParseError(m)
			}
			for len(v) > 0 {
				id, k := protowire.ConsumeVarint(v)
				if k < 0 {
					return entry{}, protowire.ParseError(k)
				}
				e.ids = append(e.ids, int64(id))
				v = v[k:]
			}
			n = m

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return entry{}, protowire.ParseError(n)
			}
		}

		b = b[n:]
	}

	switch e.op {
	case opPut, opUpdate:
		if e.record.ID <= 0 {
			return entry{}, fmt.Errorf("%w: op %d without record", codec.ErrMalformed, e.op)
		}
	case opDelete:
	default:
		return entry{}, fmt.Errorf("%w: unknown op %d", codec.ErrMalformed, e.op)
	}

	return e, nil
}

// appendFrame appends body to b framed as [len u32][crc32c u32][body].
func appendFrame(b, body []byte) []byte {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(body, crcTable))
	b = append(b, hdr[:]...)
	return append(b, body...)
}

// readFrame reads the next frame body. It returns io.EOF at a clean end of
// the log and errTornFrame or errChecksum when the tail is damaged.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errTornFrame
	}

	size := binary.LittleEndian.Uint32(hdr[0:4])
	if size > maxFrameSize {
		return nil, errFrameTooLong
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errTornFrame
	}

	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(hdr[4:8]) {
		return nil, errChecksum
	}

	return body, nil
}
