package ie

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/media"
)

const headerLen = 2

// ProtocolVersion единственная поддерживаемая версия IAX
const ProtocolVersion = 2

var (
	ErrValueTooLong       = errors.New("ie: value longer than 255 bytes")
	ErrKindMismatch       = errors.New("ie: value type does not match tag")
	ErrUnsupportedVersion = errors.New("ie: unsupported protocol version")
)

// Read разбирает один элемент, начиная с позиции pos.
//
// ok=false означает, что в этой позиции корректных элементов больше нет:
// буфер исчерпан, тег неизвестен, длина выходит за пределы буфера или
// не совпадает с фиксированной длиной элемента. Разбор на этом прекращается.
func Read(buf []byte, pos int) (e IE, next int, ok bool) {
	if pos < 0 || len(buf)-pos < headerLen {
		return nil, pos, false
	}
	tag := Tag(buf[pos])
	n := int(buf[pos+1])
	start := pos + headerLen
	if start+n > len(buf) {
		return nil, pos, false
	}
	k, known := tag.kind()
	if !known {
		return nil, pos, false
	}
	e, ok = decodeValue(tag, k, buf[start:start+n])
	if !ok {
		return nil, pos, false
	}
	return e, start + n, true
}

func decodeValue(tag Tag, k kind, v []byte) (IE, bool) {
	switch k {
	case kindString:
		return String{ID: tag, Value: string(v)}, true
	case kindBytes:
		return Bytes{ID: tag, Value: append([]byte(nil), v...)}, true
	case kindFlag:
		if len(v) != 0 {
			return nil, false
		}
		return Flag{ID: tag}, true
	case kindUint8:
		if len(v) != 1 {
			return nil, false
		}
		return Uint8{ID: tag, Value: v[0]}, true
	case kindUint16:
		if len(v) != 2 {
			return nil, false
		}
		return Uint16{ID: tag, Value: binary.BigEndian.Uint16(v)}, true
	case kindUint32:
		if len(v) != 4 {
			return nil, false
		}
		return Uint32{ID: tag, Value: binary.BigEndian.Uint32(v)}, true
	case kindFormat:
		if len(v) != 4 {
			return nil, false
		}
		return Formats{ID: tag, Value: media.Format(binary.BigEndian.Uint32(v))}, true
	case kindAuthMethods:
		if len(v) != 2 {
			return nil, false
		}
		return AuthMethods{Value: AuthMethod(binary.BigEndian.Uint16(v))}, true
	case kindDateTime:
		if len(v) != 4 {
			return nil, false
		}
		return DateTime{Value: UnpackDateTime(binary.BigEndian.Uint32(v))}, true
	case kindApparentAddr:
		a, ok := decodeApparentAddr(v)
		return a, ok
	case kindRRLoss:
		if len(v) != 4 {
			return nil, false
		}
		x := binary.BigEndian.Uint32(v)
		return RRLoss{Percent: uint8(x >> 24), Frames: x & 0xFFFFFF}, true
	}
	return nil, false
}

// Parse разбирает последовательность элементов в порядке следования.
// Ошибка возвращается только для VERSION, отличной от 2.
func Parse(buf []byte) (List, error) {
	var out List
	pos := 0
	for pos < len(buf) {
		e, next, ok := Read(buf, pos)
		if !ok {
			break
		}
		if v, isVersion := e.(Uint16); isVersion && v.ID == TagVersion && v.Value != ProtocolVersion {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v.Value)
		}
		out = append(out, e)
		pos = next
	}
	return out, nil
}

// ReadAll разбирает элементы в Set; повторный тег перезаписывает предыдущий
func ReadAll(buf []byte) (Set, error) {
	l, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	return l.Set(), nil
}

// List упорядоченный список элементов, сериализуется в порядке добавления
type List []IE

// Marshal кодирует элементы в порядке списка
func (l List) Marshal() ([]byte, error) {
	var out []byte
	for _, e := range l {
		v, err := e.encode()
		if err != nil {
			return nil, err
		}
		if len(v) > 0xFF {
			return nil, fmt.Errorf("%w: %s (%d)", ErrValueTooLong, e.Tag(), len(v))
		}
		out = append(out, byte(e.Tag()), byte(len(v)))
		out = append(out, v...)
	}
	return out, nil
}

// Set индекс элементов по тегу
func (l List) Set() Set {
	s := make(Set, len(l))
	for _, e := range l {
		s[e.Tag()] = e
	}
	return s
}

// Set элементы сигнального кадра по тегам, не более одного на тег
type Set map[Tag]IE

// Has проверяет наличие элемента
func (s Set) Has(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Text значение строкового элемента
func (s Set) Text(t Tag) (string, bool) {
	e, ok := s[t].(String)
	return e.Value, ok
}

// Uint8 значение однобайтового элемента
func (s Set) Uint8(t Tag) (uint8, bool) {
	e, ok := s[t].(Uint8)
	return e.Value, ok
}

// Uint16 значение двухбайтового элемента
func (s Set) Uint16(t Tag) (uint16, bool) {
	e, ok := s[t].(Uint16)
	return e.Value, ok
}

// Uint32 значение четырехбайтового элемента
func (s Set) Uint32(t Tag) (uint32, bool) {
	e, ok := s[t].(Uint32)
	return e.Value, ok
}

// Formats значение CAPABILITY или FORMAT
func (s Set) Formats(t Tag) (media.Format, bool) {
	e, ok := s[t].(Formats)
	return e.Value, ok
}

// CauseCode значение CAUSECODE
func (s Set) CauseCode() (CauseCode, bool) {
	v, ok := s.Uint8(TagCauseCode)
	return CauseCode(v), ok
}

// AuthMethods значение AUTHMETHODS
func (s Set) AuthMethods() (AuthMethod, bool) {
	e, ok := s[TagAuthMethods].(AuthMethods)
	return e.Value, ok
}

// DateTime значение DATETIME
func (s Set) DateTime() (time.Time, bool) {
	e, ok := s[TagDateTime].(DateTime)
	return e.Value, ok
}

// ApparentAddr значение APPARENT_ADDR
func (s Set) ApparentAddr() (ApparentAddr, bool) {
	e, ok := s[TagApparentAddr].(ApparentAddr)
	return e, ok
}

// Конструкторы часто используемых элементов

func Version() IE                   { return Uint16{ID: TagVersion, Value: ProtocolVersion} }
func Username(v string) IE          { return String{ID: TagUsername, Value: v} }
func CalledNumber(v string) IE      { return String{ID: TagCalledNumber, Value: v} }
func CallingNumber(v string) IE     { return String{ID: TagCallingNumber, Value: v} }
func CallingName(v string) IE       { return String{ID: TagCallingName, Value: v} }
func Challenge(v string) IE         { return String{ID: TagChallenge, Value: v} }
func MD5Result(v string) IE         { return String{ID: TagMD5Result, Value: v} }
func Cause(v string) IE             { return String{ID: TagCause, Value: v} }
func Refresh(seconds uint16) IE     { return Uint16{ID: TagRefresh, Value: seconds} }
func SamplingRate(v uint16) IE      { return Uint16{ID: TagSamplingRate, Value: v} }
func Capability(f media.Format) IE  { return Formats{ID: TagCapability, Value: f} }
func Format(f media.Format) IE      { return Formats{ID: TagFormat, Value: f} }
func Code(c CauseCode) IE           { return Uint8{ID: TagCauseCode, Value: uint8(c)} }
func CallingPres(p Presentation) IE { return Uint8{ID: TagCallingPres, Value: uint8(p)} }
func CallingTON(t TypeOfNumber) IE  { return Uint8{ID: TagCallingTON, Value: uint8(t)} }
func Methods(m AuthMethod) IE       { return AuthMethods{Value: m} }
