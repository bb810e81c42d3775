// Package ie реализует информационные элементы IAX2: TLV записи
// (1 байт тега, 1 байт длины, значение), которые несут сигнальные кадры.
package ie

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// IE информационный элемент
type IE interface {
	// Tag тег элемента
	Tag() Tag
	// encode кодирует значение без заголовка
	encode() ([]byte, error)
}

// String строковый элемент (имена, номера, challenge, cause ...)
type String struct {
	ID    Tag
	Value string
}

func (e String) Tag() Tag { return e.ID }

func (e String) encode() ([]byte, error) {
	if err := expectKind(e.ID, kindString); err != nil {
		return nil, err
	}
	return []byte(e.Value), nil
}

// Bytes элемент с непрозрачным значением
type Bytes struct {
	ID    Tag
	Value []byte
}

func (e Bytes) Tag() Tag { return e.ID }

func (e Bytes) encode() ([]byte, error) {
	if err := expectKind(e.ID, kindBytes); err != nil {
		return nil, err
	}
	return append([]byte(nil), e.Value...), nil
}

// Flag элемент без значения (AUTOANSWER)
type Flag struct {
	ID Tag
}

func (e Flag) Tag() Tag { return e.ID }

func (e Flag) encode() ([]byte, error) {
	return nil, expectKind(e.ID, kindFlag)
}

// Uint8 однобайтовый элемент
type Uint8 struct {
	ID    Tag
	Value uint8
}

func (e Uint8) Tag() Tag { return e.ID }

func (e Uint8) encode() ([]byte, error) {
	if err := expectKind(e.ID, kindUint8); err != nil {
		return nil, err
	}
	return []byte{e.Value}, nil
}

// Uint16 двухбайтовый элемент
type Uint16 struct {
	ID    Tag
	Value uint16
}

func (e Uint16) Tag() Tag { return e.ID }

func (e Uint16) encode() ([]byte, error) {
	if err := expectKind(e.ID, kindUint16); err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16(nil, e.Value), nil
}

// Uint32 четырехбайтовый элемент
type Uint32 struct {
	ID    Tag
	Value uint32
}

func (e Uint32) Tag() Tag { return e.ID }

func (e Uint32) encode() ([]byte, error) {
	if err := expectKind(e.ID, kindUint32); err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(nil, e.Value), nil
}

// Formats битовая маска кодеков (CAPABILITY или FORMAT)
type Formats struct {
	ID    Tag
	Value media.Format
}

func (e Formats) Tag() Tag { return e.ID }

func (e Formats) encode() ([]byte, error) {
	if err := expectKind(e.ID, kindFormat); err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(nil, uint32(e.Value)), nil
}

// AuthMethods поддерживаемые методы аутентификации
type AuthMethods struct {
	Value AuthMethod
}

func (e AuthMethods) Tag() Tag { return TagAuthMethods }

func (e AuthMethods) encode() ([]byte, error) {
	return binary.BigEndian.AppendUint16(nil, uint16(e.Value)), nil
}

// DateTime упакованные дата и время сервера (UTC, точность 2 секунды)
type DateTime struct {
	Value time.Time
}

func (e DateTime) Tag() Tag { return TagDateTime }

func (e DateTime) encode() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, PackDateTime(e.Value)), nil
}

// PackDateTime упаковывает время в 32 бита:
// год-2000 (7 бит), месяц (4), день (5), час (5), минута (6), секунда/2 (5)
func PackDateTime(t time.Time) uint32 {
	t = t.UTC()
	var v uint32
	v |= uint32(t.Year()-2000) & 0x7F << 25
	v |= uint32(t.Month()) & 0x0F << 21
	v |= uint32(t.Day()) & 0x1F << 16
	v |= uint32(t.Hour()) & 0x1F << 11
	v |= uint32(t.Minute()) & 0x3F << 5
	v |= uint32(t.Second()/2) & 0x1F
	return v
}

// UnpackDateTime обратное преобразование PackDateTime
func UnpackDateTime(v uint32) time.Time {
	return time.Date(
		int(v>>25&0x7F)+2000,
		time.Month(v>>21&0x0F),
		int(v>>16&0x1F),
		int(v>>11&0x1F),
		int(v>>5&0x3F),
		int(v&0x1F)*2,
		0, time.UTC)
}

// Семейства адресов в APPARENT_ADDR (sockaddr в порядке байтов хоста отправителя)
const (
	familyIPv4 = 0x0200
	familyIPv6 = 0x0A00

	addrLenIPv4 = 16
	addrLenIPv6 = 28
)

// ApparentAddr адрес клиента, видимый сервером (за NAT)
type ApparentAddr struct {
	Addr  netip.AddrPort
	Flow  uint32 // только IPv6
	Scope uint32 // только IPv6
}

func (e ApparentAddr) Tag() Tag { return TagApparentAddr }

func (e ApparentAddr) encode() ([]byte, error) {
	ip := e.Addr.Addr()
	switch {
	case ip.Is4():
		b := make([]byte, 0, addrLenIPv4)
		b = binary.BigEndian.AppendUint16(b, familyIPv4)
		b = binary.BigEndian.AppendUint16(b, e.Addr.Port())
		a4 := ip.As4()
		b = append(b, a4[:]...)
		return append(b, make([]byte, 8)...), nil
	case ip.Is6():
		b := make([]byte, 0, addrLenIPv6)
		b = binary.BigEndian.AppendUint16(b, familyIPv6)
		b = binary.BigEndian.AppendUint16(b, e.Addr.Port())
		b = binary.BigEndian.AppendUint32(b, e.Flow)
		a16 := ip.As16()
		b = append(b, a16[:]...)
		return binary.BigEndian.AppendUint32(b, e.Scope), nil
	}
	return nil, fmt.Errorf("ie: invalid apparent address %v", e.Addr)
}

func decodeApparentAddr(v []byte) (ApparentAddr, bool) {
	if len(v) != addrLenIPv4 && len(v) != addrLenIPv6 {
		return ApparentAddr{}, false
	}
	family := binary.BigEndian.Uint16(v[0:2])
	port := binary.BigEndian.Uint16(v[2:4])
	switch {
	case len(v) == addrLenIPv4 && family == familyIPv4:
		ip := netip.AddrFrom4([4]byte(v[4:8]))
		return ApparentAddr{Addr: netip.AddrPortFrom(ip, port)}, true
	case len(v) == addrLenIPv6 && family == familyIPv6:
		ip := netip.AddrFrom16([16]byte(v[8:24]))
		return ApparentAddr{
			Addr:  netip.AddrPortFrom(ip, port),
			Flow:  binary.BigEndian.Uint32(v[4:8]),
			Scope: binary.BigEndian.Uint32(v[24:28]),
		}, true
	}
	return ApparentAddr{}, false
}

// RRLoss процент потерь (старший байт) и число потерянных кадров (24 бита)
type RRLoss struct {
	Percent uint8
	Frames  uint32
}

func (e RRLoss) Tag() Tag { return TagRRLoss }

func (e RRLoss) encode() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(e.Percent)<<24|e.Frames&0xFFFFFF), nil
}

func expectKind(t Tag, want kind) error {
	k, ok := t.kind()
	if !ok || k != want {
		return fmt.Errorf("%w: %s", ErrKindMismatch, t)
	}
	return nil
}
