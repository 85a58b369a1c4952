package ingest

// wire.go implements just enough of the protobuf binary wire format (varint
// tags, length-delimited submessages, fixed32/fixed64 scalars) to decode a
// Sparkplug B Payload. No protobuf library appears anywhere in the
// retrieval pack (confirmed by a repo-wide search), and Sparkplug B's wire
// shape is a small, fixed schema — see DESIGN.md entry 1.

import (
	"encoding/binary"
	"fmt"
)

type wireType int

const (
	wireVarint  wireType = 0
	wireFixed64 wireType = 1
	wireBytes   wireType = 2
	wireFixed32 wireType = 5
)

type field struct {
	number int
	typ    wireType
	varint uint64
	fixed  uint64
	bytes  []byte
}

// parseFields walks a protobuf-encoded message and returns every top-level
// field it finds, in wire order. Repeated fields appear as repeated
// entries with the same number.
func parseFields(buf []byte) ([]field, error) {
	var fields []field
	i := 0
	for i < len(buf) {
		tag, n, err := readVarint(buf[i:])
		if err != nil {
			return nil, fmt.Errorf("reading tag: %w", err)
		}
		i += n

		number := int(tag >> 3)
		typ := wireType(tag & 0x7)

		f := field{number: number, typ: typ}
		switch typ {
		case wireVarint:
			v, n, err := readVarint(buf[i:])
			if err != nil {
				return nil, fmt.Errorf("field %d varint: %w", number, err)
			}
			f.varint = v
			i += n
		case wireFixed64:
			if i+8 > len(buf) {
				return nil, fmt.Errorf("field %d: truncated fixed64", number)
			}
			f.fixed = binary.LittleEndian.Uint64(buf[i : i+8])
			i += 8
		case wireFixed32:
			if i+4 > len(buf) {
				return nil, fmt.Errorf("field %d: truncated fixed32", number)
			}
			f.fixed = uint64(binary.LittleEndian.Uint32(buf[i : i+4]))
			i += 4
		case wireBytes:
			ln, n, err := readVarint(buf[i:])
			if err != nil {
				return nil, fmt.Errorf("field %d length: %w", number, err)
			}
			i += n
			if i+int(ln) > len(buf) {
				return nil, fmt.Errorf("field %d: truncated bytes (len %d)", number, ln)
			}
			f.bytes = buf[i : i+int(ln)]
			i += int(ln)
		default:
			return nil, fmt.Errorf("field %d: unsupported wire type %d", number, typ)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func readVarint(buf []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("varint overflow")
		}
	}
	return 0, 0, fmt.Errorf("truncated varint")
}

func firstField(fields []field, number int) (field, bool) {
	for _, f := range fields {
		if f.number == number {
			return f, true
		}
	}
	return field{}, false
}

func allFields(fields []field, number int) []field {
	var out []field
	for _, f := range fields {
		if f.number == number {
			out = append(out, f)
		}
	}
	return out
}

func zigzagToSigned(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
