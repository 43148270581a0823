package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolError is returned for framing failures: unknown command types,
// malformed substructure, or truncated literals (spec §4.1).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wire: " + e.Reason }

func protoErrf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ErrIncomplete is returned by TryDeserialize when the buffered bytes do
// not yet contain a full frame. It is not a ProtocolError: the caller
// should wait for more bytes and retry, not close the connection.
var ErrIncomplete = errors.New("wire: incomplete command")

// ErrLiteralPending is returned by Reader.Deserialize when a previous
// command's literal has not been fully consumed yet (TryDeserialize keeps
// no literal state and never returns it). Per spec
// §5, a caller must drain ReadLiteralPart down to zero before reading the
// next command.
var ErrLiteralPending = errors.New("wire: previous literal not fully consumed")

// Writer serializes commands and literal chunks onto an io.Writer.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Serialize writes one command frame: <int64 tag><1-byte type><fields>.
// If the command carries a KindLiteral field, the caller must follow this
// call with exactly `size` bytes written via WriteLiteralChunk (one or
// more calls) before serializing the next command.
func (wtr *Writer) Serialize(cmd Command) error {
	if !cmd.Type.valid() {
		return protoErrf("unknown command type %d", cmd.Type)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int64(cmd.Tag)); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(cmd.Type)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(cmd.Fields))); err != nil {
		return err
	}
	for _, f := range cmd.Fields {
		if err := writeField(&buf, f); err != nil {
			return err
		}
	}
	_, err := wtr.w.Write(buf.Bytes())
	return err
}

// WriteLiteralChunk writes one chunk of a literal's payload. The sum of
// all chunks written for a given literal field must equal the declared
// size exactly.
func (wtr *Writer) WriteLiteralChunk(data []byte) error {
	_, err := wtr.w.Write(data)
	return err
}

func writeField(buf *bytes.Buffer, f Field) error {
	if err := writeString(buf, f.Name); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(f.Value.Kind)); err != nil {
		return err
	}
	switch f.Value.Kind {
	case KindNull:
	case KindInt64, KindLiteral:
		return binary.Write(buf, binary.LittleEndian, f.Value.I)
	case KindString:
		return writeString(buf, f.Value.S)
	case KindBytes:
		return writeBytes(buf, f.Value.B)
	case KindStringList:
		if err := binary.Write(buf, binary.LittleEndian, int32(len(f.Value.SL))); err != nil {
			return err
		}
		for _, s := range f.Value.SL {
			if err := writeString(buf, s); err != nil {
				return err
			}
		}
	case KindInt64List:
		if err := binary.Write(buf, binary.LittleEndian, int32(len(f.Value.IL))); err != nil {
			return err
		}
		for _, v := range f.Value.IL {
			if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	default:
		return protoErrf("unknown field kind %d for field %q", f.Value.Kind, f.Name)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	return writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.LittleEndian, int32(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

// Reader deserializes commands from an io.Reader, blocking as needed, and
// exposes the chunked-literal API described in spec §4.1.
type Reader struct {
	r                *bufio.Reader
	literalRemaining int64
	inLiteral        bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Deserialize blocks until one full command header has been read. Per
// spec §5, while a Deserialize call is on the stack no other goroutine
// should re-enter it on the same Reader; callers own that discipline (the
// connection handler disarms its readiness signal around this call).
func (rd *Reader) Deserialize() (Command, error) {
	if rd.inLiteral && rd.literalRemaining > 0 {
		return Command{}, ErrLiteralPending
	}
	var tag int64
	if err := binary.Read(rd.r, binary.LittleEndian, &tag); err != nil {
		return Command{}, wrapReadErr(err)
	}
	typeByte, err := rd.r.ReadByte()
	if err != nil {
		return Command{}, wrapReadErr(err)
	}
	cmdType := CommandType(typeByte)
	if !cmdType.valid() {
		return Command{}, protoErrf("unknown command type %d", cmdType)
	}
	var fieldCount int32
	if err := binary.Read(rd.r, binary.LittleEndian, &fieldCount); err != nil {
		return Command{}, wrapReadErr(err)
	}
	if fieldCount < 0 || fieldCount > 1<<16 {
		return Command{}, protoErrf("implausible field count %d", fieldCount)
	}
	fields := make([]Field, 0, fieldCount)
	for i := int32(0); i < fieldCount; i++ {
		f, err := readField(rd.r)
		if err != nil {
			return Command{}, err
		}
		if f.Value.Kind == KindLiteral {
			rd.inLiteral = true
			rd.literalRemaining = f.Value.I
		}
		fields = append(fields, f)
	}
	return Command{Tag: Tag(tag), Type: cmdType, Fields: fields}, nil
}

// AtLiteralEnd reports whether the current command's literal (if any) has
// been fully consumed.
func (rd *Reader) AtLiteralEnd() bool {
	return !rd.inLiteral || rd.literalRemaining == 0
}

// RemainingLiteralSize returns how many literal bytes are still unread.
func (rd *Reader) RemainingLiteralSize() int64 {
	return rd.literalRemaining
}

// ReadLiteralPart reads one chunk (up to maxChunk bytes) of the current
// literal. It fails with a ProtocolError if the stream ends before the
// declared size is reached.
func (rd *Reader) ReadLiteralPart(maxChunk int) ([]byte, error) {
	if !rd.inLiteral || rd.literalRemaining == 0 {
		return nil, nil
	}
	n := maxChunk
	if int64(n) > rd.literalRemaining {
		n = int(rd.literalRemaining)
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(rd.r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, protoErrf("truncated literal: %v", &ProtocolError{Reason: "literal ended before declared size was read"})
		}
		return nil, err
	}
	rd.literalRemaining -= int64(read)
	if rd.literalRemaining == 0 {
		rd.inLiteral = false
	}
	return buf[:read], nil
}

func readField(r io.Reader) (Field, error) {
	name, err := readString(r)
	if err != nil {
		return Field{}, wrapReadErr(err)
	}
	kindByte := make([]byte, 1)
	if _, err := io.ReadFull(r, kindByte); err != nil {
		return Field{}, wrapReadErr(err)
	}
	kind := Kind(kindByte[0])
	v := Value{Kind: kind}
	switch kind {
	case KindNull:
	case KindInt64, KindLiteral:
		if err := binary.Read(r, binary.LittleEndian, &v.I); err != nil {
			return Field{}, wrapReadErr(err)
		}
	case KindString:
		s, err := readString(r)
		if err != nil {
			return Field{}, wrapReadErr(err)
		}
		v.S = s
	case KindBytes:
		b, err := readBytes(r)
		if err != nil {
			return Field{}, wrapReadErr(err)
		}
		v.B = b
	case KindStringList:
		var count int32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return Field{}, wrapReadErr(err)
		}
		if count < 0 || count > 1<<16 {
			return Field{}, protoErrf("implausible string list length %d", count)
		}
		list := make([]string, 0, count)
		for i := int32(0); i < count; i++ {
			s, err := readString(r)
			if err != nil {
				return Field{}, wrapReadErr(err)
			}
			list = append(list, s)
		}
		v.SL = list
	case KindInt64List:
		var count int32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return Field{}, wrapReadErr(err)
		}
		if count < 0 || count > 1<<16 {
			return Field{}, protoErrf("implausible int64 list length %d", count)
		}
		list := make([]int64, 0, count)
		for i := int32(0); i < count; i++ {
			var val int64
			if err := binary.Read(r, binary.LittleEndian, &val); err != nil {
				return Field{}, wrapReadErr(err)
			}
			list = append(list, val)
		}
		v.IL = list
	default:
		return Field{}, protoErrf("unknown field kind %d for field %q", kind, name)
	}
	return Field{Name: name, Value: v}, nil
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length < 0 || length > 1<<24 {
		return nil, protoErrf("implausible byte length %d", length)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, wrapReadErr(err)
	}
	return b, nil
}

func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return protoErrf("truncated command: %v", err)
	}
	return err
}
