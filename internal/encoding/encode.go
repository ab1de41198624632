package encoding

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/skiff-io/amqp/internal/buffer"
)

var scratchPool = sync.Pool{
	New: func() interface{} { return &buffer.Buffer{} },
}

func getScratch() *buffer.Buffer {
	b := scratchPool.Get().(*buffer.Buffer)
	b.Reset()
	return b
}

func releaseScratch(b *buffer.Buffer) {
	scratchPool.Put(b)
}

// Marshal encodes v into wr using the shortest valid form.
func Marshal(wr *buffer.Buffer, i interface{}) error {
	switch t := i.(type) {
	case nil:
		wr.AppendByte(byte(TypeCodeNull))
	case bool:
		if t {
			wr.AppendByte(byte(TypeCodeBoolTrue))
		} else {
			wr.AppendByte(byte(TypeCodeBoolFalse))
		}
	case *bool:
		if *t {
			wr.AppendByte(byte(TypeCodeBoolTrue))
		} else {
			wr.AppendByte(byte(TypeCodeBoolFalse))
		}
	case uint8:
		wr.AppendByte(byte(TypeCodeUbyte))
		wr.AppendByte(t)
	case *uint8:
		wr.AppendByte(byte(TypeCodeUbyte))
		wr.AppendByte(*t)
	case uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(t)
	case *uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(*t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		writeUint32(wr, *t)
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		writeUint64(wr, *t)
	case uint:
		writeUint64(wr, uint64(t))
	case *uint:
		writeUint64(wr, uint64(*t))
	case int8:
		wr.AppendByte(byte(TypeCodeByte))
		wr.AppendByte(uint8(t))
	case *int8:
		wr.AppendByte(byte(TypeCodeByte))
		wr.AppendByte(uint8(*t))
	case int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(t))
	case *int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(*t))
	case int32:
		writeInt32(wr, t)
	case *int32:
		writeInt32(wr, *t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		writeInt64(wr, *t)
	case int:
		writeInt64(wr, int64(t))
	case *int:
		writeInt64(wr, int64(*t))
	case float32:
		wr.AppendByte(byte(TypeCodeFloat))
		wr.AppendUint32(math.Float32bits(t))
	case *float32:
		wr.AppendByte(byte(TypeCodeFloat))
		wr.AppendUint32(math.Float32bits(*t))
	case float64:
		wr.AppendByte(byte(TypeCodeDouble))
		wr.AppendUint64(math.Float64bits(t))
	case *float64:
		wr.AppendByte(byte(TypeCodeDouble))
		wr.AppendUint64(math.Float64bits(*t))
	case string:
		return writeString(wr, t)
	case *string:
		return writeString(wr, *t)
	case []byte:
		return WriteBinary(wr, t)
	case *[]byte:
		return WriteBinary(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case *time.Time:
		writeTimestamp(wr, *t)
	case []string:
		err := writeArrayString(wr, t)
		if err != nil {
			return err
		}
	case []Symbol:
		err := writeArraySymbol(wr, t)
		if err != nil {
			return err
		}
	case []int8:
		return arrayInt8(t).Marshal(wr)
	case []uint16:
		return arrayUint16(t).Marshal(wr)
	case []int16:
		return arrayInt16(t).Marshal(wr)
	case []uint32:
		return arrayUint32(t).Marshal(wr)
	case []int32:
		return arrayInt32(t).Marshal(wr)
	case []uint64:
		return arrayUint64(t).Marshal(wr)
	case []int64:
		return arrayInt64(t).Marshal(wr)
	case []float32:
		return arrayFloat(t).Marshal(wr)
	case []float64:
		return arrayDouble(t).Marshal(wr)
	case []bool:
		return arrayBool(t).Marshal(wr)
	case map[interface{}]interface{}:
		return writeMap(wr, t)
	case map[string]interface{}:
		return writeMap(wr, t)
	case map[Symbol]interface{}:
		return writeMap(wr, t)
	case []interface{}:
		return writeList(wr, t)
	case Marshaler:
		return t.Marshal(wr)
	default:
		return fmt.Errorf("marshal not implemented for %T", i)
	}
	return nil
}

// MarshalSize is the size probe: it returns the number of bytes that
// Marshal would emit for v without retaining any output.
func MarshalSize(i interface{}) (int, error) {
	scratch := getScratch()
	defer releaseScratch(scratch)

	if err := Marshal(scratch, i); err != nil {
		return 0, err
	}
	return scratch.Len(), nil
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.AppendByte(byte(TypeCodeSmallint))
		wr.AppendByte(uint8(n))
		return
	}

	wr.AppendByte(byte(TypeCodeInt))
	wr.AppendUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n < 128 && n >= -128 {
		wr.AppendByte(byte(TypeCodeSmalllong))
		wr.AppendByte(uint8(n))
		return
	}

	wr.AppendByte(byte(TypeCodeLong))
	wr.AppendUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	if n == 0 {
		wr.AppendByte(byte(TypeCodeUint0))
		return
	}

	if n < 256 {
		wr.AppendByte(byte(TypeCodeSmallUint))
		wr.AppendByte(byte(n))
		return
	}

	wr.AppendByte(byte(TypeCodeUint))
	wr.AppendUint32(n)
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	if n == 0 {
		wr.AppendByte(byte(TypeCodeUlong0))
		return
	}

	if n < 256 {
		wr.AppendByte(byte(TypeCodeSmallUlong))
		wr.AppendByte(byte(n))
		return
	}

	wr.AppendByte(byte(TypeCodeUlong))
	wr.AppendUint64(n)
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.AppendByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.AppendUint64(uint64(ms))
}

// WriteBinary encodes bin as vbin8 for lengths up to 254 and vbin32 above.
func WriteBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)

	switch {
	// Vbin8; 255+ always uses the 32-bit form, some peers
	// mishandle the boundary value
	case l <= 254:
		wr.AppendByte(byte(TypeCodeVbin8))
		wr.AppendByte(uint8(l))
		wr.Append(bin)

	// Vbin32
	case uint(l) < math.MaxUint32:
		wr.AppendByte(byte(TypeCodeVbin32))
		wr.AppendUint32(uint32(l))
		wr.Append(bin)
	default:
		return errors.New("too long")
	}
	return nil
}

func writeString(wr *buffer.Buffer, str string) error {
	if !utf8.ValidString(str) {
		return errors.New("not a valid UTF-8 string")
	}
	l := len(str)

	switch {
	// Str8
	case l <= 254:
		wr.AppendByte(byte(TypeCodeStr8))
		wr.AppendByte(byte(l))
		wr.AppendString(str)

	// Str32
	case uint(l) < math.MaxUint32:
		wr.AppendByte(byte(TypeCodeStr32))
		wr.AppendUint32(uint32(l))
		wr.AppendString(str)

	default:
		return errors.New("too long")
	}
	return nil
}

// WriteDescriptor writes the described-type preamble for code.
func WriteDescriptor(wr *buffer.Buffer, code AMQPType) {
	wr.Append([]byte{
		0x0, // descriptor constructor
		byte(TypeCodeSmallUlong),
		byte(code),
	})
}

func writeMap(wr *buffer.Buffer, m interface{}) error {
	scratch := getScratch()
	defer releaseScratch(scratch)

	var pairs int
	switch m := m.(type) {
	case map[interface{}]interface{}:
		pairs = len(m) * 2
		for key, val := range m {
			if err := checkMapKey(key); err != nil {
				return err
			}
			if err := Marshal(scratch, key); err != nil {
				return err
			}
			if err := Marshal(scratch, val); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		pairs = len(m) * 2
		for key, val := range m {
			if err := writeString(scratch, key); err != nil {
				return err
			}
			if err := Marshal(scratch, val); err != nil {
				return err
			}
		}
	case map[Symbol]interface{}:
		pairs = len(m) * 2
		for key, val := range m {
			if err := key.Marshal(scratch); err != nil {
				return err
			}
			if err := Marshal(scratch, val); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("writeMap not implemented for %T", m)
	}

	writeMapHeader(wr, scratch.Len(), pairs)
	wr.Append(scratch.Bytes())
	return nil
}

func writeMapHeader(wr *buffer.Buffer, size, pairs int) {
	if uint(pairs) > math.MaxUint32-4 {
		// implausible, but the header cannot express it
		pairs = math.MaxUint32 - 4
	}

	if size+1 <= math.MaxUint8 && pairs <= math.MaxUint8 {
		wr.AppendByte(byte(TypeCodeMap8))
		wr.AppendByte(uint8(size + 1))
		wr.AppendByte(uint8(pairs))
		return
	}

	wr.AppendByte(byte(TypeCodeMap32))
	wr.AppendUint32(uint32(size + 4))
	wr.AppendUint32(uint32(pairs))
}

func writeList(wr *buffer.Buffer, l []interface{}) error {
	if len(l) == 0 {
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	scratch := getScratch()
	defer releaseScratch(scratch)

	for _, element := range l {
		if err := Marshal(scratch, element); err != nil {
			return err
		}
	}

	size := scratch.Len()
	if size+1 <= math.MaxUint8 && len(l) <= math.MaxUint8 {
		wr.AppendByte(byte(TypeCodeList8))
		wr.AppendByte(uint8(size + 1))
		wr.AppendByte(uint8(len(l)))
	} else {
		wr.AppendByte(byte(TypeCodeList32))
		wr.AppendUint32(uint32(size + 4))
		wr.AppendUint32(uint32(len(l)))
	}
	wr.Append(scratch.Bytes())
	return nil
}

// WriteArrayHeader writes the array preamble: size, count and the
// single element format code shared by every element.
func WriteArrayHeader(wr *buffer.Buffer, length, typeSize int, type_ AMQPType) {
	size := length * typeSize

	// array type
	if size+array8TLSize <= math.MaxUint8 {
		wr.AppendByte(byte(TypeCodeArray8))

		// size
		wr.AppendByte(uint8(size + array8TLSize))

		// length
		wr.AppendByte(uint8(length))
	} else {
		wr.AppendByte(byte(TypeCodeArray32))

		// size
		wr.AppendUint32(uint32(size + array32TLSize))

		// length
		wr.AppendUint32(uint32(length))
	}

	// element type
	wr.AppendByte(byte(type_))
}

func writeVariableArrayHeader(wr *buffer.Buffer, length, elementsSizeTotal int, type_ AMQPType) {
	// 0xA_ == element type with a 1 byte length per element.
	// 0xB_ == element type with a 4 byte length per element.
	//
	// Strings, symbols, and binary can
	// use the above types.
	elementLengthSize := 1
	if type_&0xf0 == 0xb0 {
		elementLengthSize = 4
	}

	// size: element data + per-element lengths; the count and the
	// element type are added by array8TLSize/array32TLSize below
	size := elementsSizeTotal + length*elementLengthSize

	// array type
	if size+array8TLSize <= math.MaxUint8 {
		wr.AppendByte(byte(TypeCodeArray8))

		// size
		wr.AppendByte(uint8(size + array8TLSize))

		// length
		wr.AppendByte(uint8(length))
	} else {
		wr.AppendByte(byte(TypeCodeArray32))

		// size
		wr.AppendUint32(uint32(size + array32TLSize))

		// length
		wr.AppendUint32(uint32(length))
	}

	// element type
	wr.AppendByte(byte(type_))
}

func writeArrayString(wr *buffer.Buffer, strs []string) error {
	var elementsSizeTotal int
	for _, str := range strs {
		elementsSizeTotal += len(str)
	}

	writeVariableArrayHeader(wr, len(strs), elementsSizeTotal, TypeCodeStr32)

	for _, str := range strs {
		wr.AppendUint32(uint32(len(str)))
		wr.AppendString(str)
	}
	return nil
}

func writeArraySymbol(wr *buffer.Buffer, syms []Symbol) error {
	var elementsSizeTotal int
	for _, sym := range syms {
		elementsSizeTotal += len(sym)
	}

	writeVariableArrayHeader(wr, len(syms), elementsSizeTotal, TypeCodeSym32)

	for _, sym := range syms {
		wr.AppendUint32(uint32(len(sym)))
		wr.AppendString(string(sym))
	}
	return nil
}

// MarshalField is a field to be marshaled within a composite list.
type MarshalField struct {
	Value interface{} // value to be marshaled; if nil, the null constructor is written
	Omit  bool        // indicates that this field should be omitted (set to null)
}

// MarshalComposite is a helper for us in a composite's Marshal() function.
//
// The returned bytes include the descriptor and valid fields.
func MarshalComposite(wr *buffer.Buffer, code AMQPType, fields []MarshalField) error {
	// lastSetIdx is the last index to have a non-omitted field.
	// start at -1 as it's possible to have no fields in a composite
	lastSetIdx := -1

	// marshal each field into it's index in rawFields,
	// null fields are represented as nil and fields to be omitted are skipped
	for i, f := range fields {
		if f.Omit {
			continue
		}
		lastSetIdx = i
	}

	// write null to each index up to lastSetIdx
	scratch := getScratch()
	defer releaseScratch(scratch)

	for _, f := range fields[:lastSetIdx+1] {
		if f.Value == nil || f.Omit {
			scratch.AppendByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(scratch, f.Value); err != nil {
			return err
		}
	}

	// write describe header
	wr.AppendByte(0x0) // descriptor constructor
	wr.AppendByte(byte(TypeCodeSmallUlong))
	wr.AppendByte(byte(code))

	// write fields
	size := scratch.Len()
	if lastSetIdx+1 == 0 {
		wr.AppendByte(byte(TypeCodeList0))
		return nil
	}

	if size+1 <= math.MaxUint8 && lastSetIdx+1 <= math.MaxUint8 {
		wr.AppendByte(byte(TypeCodeList8))
		wr.AppendByte(uint8(size + 1))
		wr.AppendByte(uint8(lastSetIdx + 1))
	} else {
		wr.AppendByte(byte(TypeCodeList32))
		wr.AppendUint32(uint32(size + 4))
		wr.AppendUint32(uint32(lastSetIdx + 1))
	}
	wr.Append(scratch.Bytes())
	return nil
}

const (
	array8TLSize  = 2
	array32TLSize = 5
)
