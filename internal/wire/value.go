// Package wire implements the broker's binary framing protocol (spec §4.1,
// §6.1): a length-prefixed, tagged command stream with chunked literal
// support for large payload parts.
package wire

// Kind tags the type of a Field's value so the fixed little-endian
// encoding knows how many bytes follow and how to interpret them.
type Kind byte

const (
	KindNull Kind = iota
	KindInt64
	KindString
	KindBytes
	KindStringList
	KindInt64List
	// KindLiteral marks a field whose payload is not inlined in the frame;
	// the declared size travels in Value.I and the bytes are streamed
	// separately through WriteLiteralChunk/ReadLiteralPart.
	KindLiteral
)

// Value is a small tagged union covering every field type the protocol's
// commands need.
type Value struct {
	Kind Kind
	I    int64
	S    string
	B    []byte
	SL   []string
	IL   []int64
}

func Int64(v int64) Value         { return Value{Kind: KindInt64, I: v} }
func String(v string) Value       { return Value{Kind: KindString, S: v} }
func Bytes(v []byte) Value        { return Value{Kind: KindBytes, B: v} }
func StringList(v []string) Value { return Value{Kind: KindStringList, SL: v} }
func Int64List(v []int64) Value   { return Value{Kind: KindInt64List, IL: v} }
func Null() Value                 { return Value{Kind: KindNull} }

// Literal declares a field of `size` bytes whose content is streamed
// separately instead of being inlined in the command frame.
func Literal(size int64) Value { return Value{Kind: KindLiteral, I: size} }
