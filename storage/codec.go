package storage

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/klauspost/compress/snappy"
)

// bytesCompressionThreshold est la taille minimale, en octets, à partir de laquelle une
// valeur TagBytes tente une compression snappy — en-dessous, l'en-tête de compression
// coûterait plus qu'il ne ferait gagner.
const bytesCompressionThreshold = 64

const (
	bytesFlagRaw    byte = 0
	bytesFlagSnappy byte = 1
)

// compressBytesValue tente une compression snappy des valeurs volumineuses, mais ne la
// retient que si elle apporte un gain réel — même politique opportuniste que la
// compression de record du pager.
func compressBytesValue(data []byte) ([]byte, byte) {
	if len(data) < bytesCompressionThreshold {
		return data, bytesFlagRaw
	}
	compressed := snappy.Encode(nil, data)
	if len(compressed) < len(data) {
		return compressed, bytesFlagSnappy
	}
	return data, bytesFlagRaw
}

func decompressBytesValue(stored []byte, flag byte) ([]byte, error) {
	if flag == bytesFlagRaw {
		b := make([]byte, len(stored))
		copy(b, stored)
		return b, nil
	}
	decoded, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, NewError(KindCorruption, "codec.decompress_value", err)
	}
	return decoded, nil
}

// PropertyTag étiquette le type porté par une PropertyValue encodée. Les valeurs 0x80-0xFF
// sont réservées aux extensions futures (bit de poids fort réservé).
type PropertyTag uint8

const (
	TagBool PropertyTag = iota
	TagInt64
	TagFloat64
	TagString
	TagBytes
)

// PropertyValue est l'union étiquetée des valeurs de propriété supportées.
type PropertyValue struct {
	Tag    PropertyTag
	Bool   bool
	Int64  int64
	Float  float64
	String string
	Bytes  []byte
}

func NewBoolValue(b bool) PropertyValue     { return PropertyValue{Tag: TagBool, Bool: b} }
func NewInt64Value(i int64) PropertyValue   { return PropertyValue{Tag: TagInt64, Int64: i} }
func NewFloat64Value(f float64) PropertyValue { return PropertyValue{Tag: TagFloat64, Float: f} }
func NewStringValue(s string) PropertyValue { return PropertyValue{Tag: TagString, String: s} }
func NewBytesValue(b []byte) PropertyValue  { return PropertyValue{Tag: TagBytes, Bytes: b} }

// Property est une paire clé/valeur ordonnée ; l'ordre d'insertion est préservé.
type Property struct {
	Key   string
	Value PropertyValue
}

// Node est le modèle décodé d'un enregistrement nœud.
type Node struct {
	ID             uint64
	Labels         []string
	Properties     []Property
	FirstOutgoing  uint64
	FirstIncoming  uint64
}

// Get retourne la valeur de la première propriété portant cette clé.
func (n Node) Get(key string) (PropertyValue, bool) {
	for _, p := range n.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return PropertyValue{}, false
}

// Edge est le modèle décodé d'un enregistrement arête.
type Edge struct {
	ID           uint64
	Source       uint64
	Target       uint64
	TypeName     string
	Properties   []Property
	NextOutgoing uint64 // prochaine arête dans la chaîne sortante de Source
	NextIncoming uint64 // prochaine arête dans la chaîne entrante de Target
}

// Get retourne la valeur de la première propriété portant cette clé.
func (e Edge) Get(key string) (PropertyValue, bool) {
	for _, p := range e.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return PropertyValue{}, false
}

func encodeString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func decodeString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, NewError(KindCorruption, "codec.decode_string", errTruncated)
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return "", nil, NewError(KindCorruption, "codec.decode_string", errTruncated)
	}
	s := string(buf[:n])
	if !utf8.ValidString(s) {
		return "", nil, NewError(KindCorruption, "codec.decode_string", errInvalidUTF8)
	}
	return s, buf[n:], nil
}

func encodePropertyValue(buf []byte, v PropertyValue) ([]byte, error) {
	buf = append(buf, byte(v.Tag))
	switch v.Tag {
	case TagBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case TagInt64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.Int64))
		buf = append(buf, b[:]...)
	case TagFloat64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.Float))
		buf = append(buf, b[:]...)
	case TagString:
		if !utf8.ValidString(v.String) {
			return nil, NewError(KindInvalid, "codec.encode_value", errInvalidUTF8)
		}
		buf = encodeString(buf, v.String)
	case TagBytes:
		stored, flag := compressBytesValue(v.Bytes)
		buf = append(buf, flag)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(stored)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, stored...)
	default:
		return nil, NewError(KindInvalid, "codec.encode_value", errUnknownTag)
	}
	return buf, nil
}

func decodePropertyValue(buf []byte) (PropertyValue, []byte, error) {
	if len(buf) < 1 {
		return PropertyValue{}, nil, NewError(KindCorruption, "codec.decode_value", errTruncated)
	}
	tag := PropertyTag(buf[0])
	buf = buf[1:]
	switch tag {
	case TagBool:
		if len(buf) < 1 {
			return PropertyValue{}, nil, NewError(KindCorruption, "codec.decode_value", errTruncated)
		}
		return PropertyValue{Tag: TagBool, Bool: buf[0] != 0}, buf[1:], nil
	case TagInt64:
		if len(buf) < 8 {
			return PropertyValue{}, nil, NewError(KindCorruption, "codec.decode_value", errTruncated)
		}
		return PropertyValue{Tag: TagInt64, Int64: int64(binary.LittleEndian.Uint64(buf))}, buf[8:], nil
	case TagFloat64:
		if len(buf) < 8 {
			return PropertyValue{}, nil, NewError(KindCorruption, "codec.decode_value", errTruncated)
		}
		return PropertyValue{Tag: TagFloat64, Float: math.Float64frombits(binary.LittleEndian.Uint64(buf))}, buf[8:], nil
	case TagString:
		s, rest, err := decodeString(buf)
		if err != nil {
			return PropertyValue{}, nil, err
		}
		return PropertyValue{Tag: TagString, String: s}, rest, nil
	case TagBytes:
		if len(buf) < 5 {
			return PropertyValue{}, nil, NewError(KindCorruption, "codec.decode_value", errTruncated)
		}
		flag := buf[0]
		n := binary.LittleEndian.Uint32(buf[1:])
		buf = buf[5:]
		if uint64(len(buf)) < uint64(n) {
			return PropertyValue{}, nil, NewError(KindCorruption, "codec.decode_value", errTruncated)
		}
		stored := buf[:n]
		b, err := decompressBytesValue(stored, flag)
		if err != nil {
			return PropertyValue{}, nil, err
		}
		return PropertyValue{Tag: TagBytes, Bytes: b}, buf[n:], nil
	default:
		return PropertyValue{}, nil, NewError(KindCorruption, "codec.decode_value", errUnknownTag)
	}
}

func encodeProperties(buf []byte, props []Property) ([]byte, error) {
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(props)))
	buf = append(buf, countBuf[:]...)
	seen := make(map[string]struct{}, len(props))
	for _, p := range props {
		if _, dup := seen[p.Key]; dup {
			return nil, NewError(KindInvalid, "codec.encode_properties", errDuplicateKey)
		}
		seen[p.Key] = struct{}{}
		if !utf8.ValidString(p.Key) {
			return nil, NewError(KindInvalid, "codec.encode_properties", errInvalidUTF8)
		}
		buf = encodeString(buf, p.Key)
		var err error
		buf, err = encodePropertyValue(buf, p.Value)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeProperties(buf []byte) ([]Property, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, NewError(KindCorruption, "codec.decode_properties", errTruncated)
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	props := make([]Property, 0, count)
	for i := uint32(0); i < count; i++ {
		key, rest, err := decodeString(buf)
		if err != nil {
			return nil, nil, err
		}
		buf = rest
		val, rest2, err := decodePropertyValue(buf)
		if err != nil {
			return nil, nil, err
		}
		buf = rest2
		props = append(props, Property{Key: key, Value: val})
	}
	return props, buf, nil
}

// EncodeNode sérialise un nœud : id|first_out|first_in|labels|props.
func EncodeNode(n Node) ([]byte, error) {
	buf := make([]byte, 0, 64)
	var head [24]byte
	binary.LittleEndian.PutUint64(head[0:], n.ID)
	binary.LittleEndian.PutUint64(head[8:], n.FirstOutgoing)
	binary.LittleEndian.PutUint64(head[16:], n.FirstIncoming)
	buf = append(buf, head[:]...)

	var labelCount [4]byte
	binary.LittleEndian.PutUint32(labelCount[:], uint32(len(n.Labels)))
	buf = append(buf, labelCount[:]...)
	for _, l := range n.Labels {
		if l == "" {
			return nil, NewError(KindInvalid, "codec.encode_node", errEmptyLabel)
		}
		if !utf8.ValidString(l) {
			return nil, NewError(KindInvalid, "codec.encode_node", errInvalidUTF8)
		}
		buf = encodeString(buf, l)
	}

	var err error
	buf, err = encodeProperties(buf, n.Properties)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeNode désérialise un nœud ; échoue avec Corruption si les longueurs débordent du buffer.
func DecodeNode(buf []byte) (Node, error) {
	if len(buf) < 24+4 {
		return Node{}, NewError(KindCorruption, "codec.decode_node", errTruncated)
	}
	n := Node{}
	n.ID = binary.LittleEndian.Uint64(buf[0:])
	n.FirstOutgoing = binary.LittleEndian.Uint64(buf[8:])
	n.FirstIncoming = binary.LittleEndian.Uint64(buf[16:])
	rest := buf[24:]

	labelCount := binary.LittleEndian.Uint32(rest)
	rest = rest[4:]
	labels := make([]string, 0, labelCount)
	for i := uint32(0); i < labelCount; i++ {
		l, r, err := decodeString(rest)
		if err != nil {
			return Node{}, err
		}
		labels = append(labels, l)
		rest = r
	}
	n.Labels = labels

	props, _, err := decodeProperties(rest)
	if err != nil {
		return Node{}, err
	}
	n.Properties = props
	return n, nil
}

// EncodeEdge sérialise une arête : id|src|dst|next_out|next_in|type_name|props.
func EncodeEdge(e Edge) ([]byte, error) {
	if e.TypeName == "" {
		return nil, NewError(KindInvalid, "codec.encode_edge", errEmptyEdgeType)
	}
	if !utf8.ValidString(e.TypeName) {
		return nil, NewError(KindInvalid, "codec.encode_edge", errInvalidUTF8)
	}
	buf := make([]byte, 0, 64)
	var head [40]byte
	binary.LittleEndian.PutUint64(head[0:], e.ID)
	binary.LittleEndian.PutUint64(head[8:], e.Source)
	binary.LittleEndian.PutUint64(head[16:], e.Target)
	binary.LittleEndian.PutUint64(head[24:], e.NextOutgoing)
	binary.LittleEndian.PutUint64(head[32:], e.NextIncoming)
	buf = append(buf, head[:]...)
	buf = encodeString(buf, e.TypeName)

	var err error
	buf, err = encodeProperties(buf, e.Properties)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeEdge désérialise une arête.
func DecodeEdge(buf []byte) (Edge, error) {
	if len(buf) < 40 {
		return Edge{}, NewError(KindCorruption, "codec.decode_edge", errTruncated)
	}
	e := Edge{}
	e.ID = binary.LittleEndian.Uint64(buf[0:])
	e.Source = binary.LittleEndian.Uint64(buf[8:])
	e.Target = binary.LittleEndian.Uint64(buf[16:])
	e.NextOutgoing = binary.LittleEndian.Uint64(buf[24:])
	e.NextIncoming = binary.LittleEndian.Uint64(buf[32:])
	rest := buf[40:]

	typeName, rest, err := decodeString(rest)
	if err != nil {
		return Edge{}, err
	}
	e.TypeName = typeName

	props, _, err := decodeProperties(rest)
	if err != nil {
		return Edge{}, err
	}
	e.Properties = props
	return e, nil
}

var (
	errTruncated     = simpleErr("buffer truncated")
	errInvalidUTF8   = simpleErr("string is not valid UTF-8")
	errUnknownTag    = simpleErr("unknown property tag")
	errDuplicateKey  = simpleErr("duplicate property key")
	errEmptyLabel    = simpleErr("label must not be empty")
	errEmptyEdgeType = simpleErr("edge type_name must not be empty")
)
