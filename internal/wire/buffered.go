package wire

import (
	"bytes"
	"encoding/binary"
	"io"
)

// TryDeserialize parses one command from buf without blocking. If buf does
// not yet hold a complete frame, it returns ErrIncomplete and leaves buf
// untouched so the caller can append more bytes and retry. This is the
// non-blocking counterpart to Reader.Deserialize, used by the connection
// handler's event loop so a partially-arrived command never stalls other
// work on the same goroutine (spec's reentrancy guidance in §8).
//
// TryDeserialize never consumes a literal's payload bytes: on success the
// returned Command's literal field (if any) still has its size in Value.I,
// and the caller must read exactly that many bytes from the same stream
// (via a Reader over it, or by tracking the offset itself) before the next
// frame begins.
func TryDeserialize(buf *bytes.Buffer) (*Command, error) {
	data := buf.Bytes()
	r := bytes.NewReader(data)

	var tag int64
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return nil, ErrIncomplete
	}
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrIncomplete
	}
	cmdType := CommandType(typeByte)
	if !cmdType.valid() {
		return nil, protoErrf("unknown command type %d", cmdType)
	}
	var fieldCount int32
	if err := binary.Read(r, binary.LittleEndian, &fieldCount); err != nil {
		return nil, ErrIncomplete
	}
	if fieldCount < 0 || fieldCount > 1<<16 {
		return nil, protoErrf("implausible field count %d", fieldCount)
	}

	fields := make([]Field, 0, fieldCount)
	for i := int32(0); i < fieldCount; i++ {
		f, err := tryReadField(r)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	consumed := len(data) - r.Len()
	buf.Next(consumed)
	cmd := Command{Tag: Tag(tag), Type: cmdType, Fields: fields}
	return &cmd, nil
}

// tryReadField mirrors readField but reports ErrIncomplete (rather than a
// ProtocolError) whenever the underlying reader simply runs out of bytes,
// since that just means the frame hasn't fully arrived yet.
func tryReadField(r *bytes.Reader) (Field, error) {
	name, err := tryReadString(r)
	if err != nil {
		return Field{}, err
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Field{}, ErrIncomplete
	}
	kind := Kind(kindByte)
	v := Value{Kind: kind}
	switch kind {
	case KindNull:
	case KindInt64, KindLiteral:
		if err := binary.Read(r, binary.LittleEndian, &v.I); err != nil {
			return Field{}, ErrIncomplete
		}
	case KindString:
		s, err := tryReadString(r)
		if err != nil {
			return Field{}, err
		}
		v.S = s
	case KindBytes:
		b, err := tryReadBytes(r)
		if err != nil {
			return Field{}, err
		}
		v.B = b
	case KindStringList:
		var count int32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return Field{}, ErrIncomplete
		}
		if count < 0 || count > 1<<16 {
			return Field{}, protoErrf("implausible string list length %d", count)
		}
		list := make([]string, 0, count)
		for i := int32(0); i < count; i++ {
			s, err := tryReadString(r)
			if err != nil {
				return Field{}, err
			}
			list = append(list, s)
		}
		v.SL = list
	case KindInt64List:
		var count int32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return Field{}, ErrIncomplete
		}
		if count < 0 || count > 1<<16 {
			return Field{}, protoErrf("implausible int64 list length %d", count)
		}
		list := make([]int64, 0, count)
		for i := int32(0); i < count; i++ {
			var val int64
			if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
				return Field{}, ErrIncomplete
			}
			list = append(list, val)
		}
		v.IL = list
	default:
		return Field{}, protoErrf("unknown field kind %d for field %q", kind, name)
	}
	return Field{Name: name, Value: v}, nil
}

func tryReadString(r *bytes.Reader) (string, error) {
	b, err := tryReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func tryReadBytes(r *bytes.Reader) ([]byte, error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, ErrIncomplete
	}
	if length < 0 || length > 1<<24 {
		return nil, protoErrf("implausible byte length %d", length)
	}
	if r.Len() < int(length) {
		return nil, ErrIncomplete
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrIncomplete
	}
	return b, nil
}
