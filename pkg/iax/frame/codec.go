package frame

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Parse разбирает датаграмму в полный или мини кадр.
//
// Старший бит первого 16-битного слова отличает полный кадр от мини кадра.
// Мини кадр с нулевым номером источника является meta кадром и не поддерживается.
func Parse(b []byte) (Frame, error) {
	if len(b) < 2 {
		return nil, ErrShortBuffer
	}
	first := binary.BigEndian.Uint16(b[0:2])
	if first&fullFlag == 0 {
		return parseMini(b)
	}
	return ParseFull(b)
}

// ParseFull разбирает полный кадр
func ParseFull(b []byte) (*FullFrame, error) {
	if len(b) < FullHeaderLen {
		return nil, fmt.Errorf("%w: full frame needs %d bytes, got %d", ErrShortBuffer, FullHeaderLen, len(b))
	}
	src := binary.BigEndian.Uint16(b[0:2])
	dst := binary.BigEndian.Uint16(b[2:4])
	f := &FullFrame{
		SrcCallNumber: src &^ fullFlag,
		DstCallNumber: dst &^ retransmitFlag,
		Retransmitted: dst&retransmitFlag != 0,
		Timestamp:     binary.BigEndian.Uint32(b[4:8]),
		OSeq:          b[8],
		ISeq:          b[9],
	}
	t := Type(b[10])
	subclass := DecodeSubclass(b[11])

	var payload []byte
	if len(b) > FullHeaderLen {
		payload = append([]byte(nil), b[FullHeaderLen:]...)
	}

	body, err := decodeBody(t, subclass, payload)
	if err != nil {
		return nil, err
	}
	f.Body = body
	return f, nil
}

func parseMini(b []byte) (*MiniFrame, error) {
	if len(b) < MiniHeaderLen {
		return nil, fmt.Errorf("%w: mini frame needs %d bytes, got %d", ErrShortBuffer, MiniHeaderLen, len(b))
	}
	src := binary.BigEndian.Uint16(b[0:2])
	if src == 0 {
		return nil, ErrMetaFrame
	}
	m := &MiniFrame{
		SrcCallNumber: src,
		Timestamp:     binary.BigEndian.Uint16(b[2:4]),
	}
	if len(b) > MiniHeaderLen {
		m.Data = append([]byte(nil), b[MiniHeaderLen:]...)
	}
	return m, nil
}

// Marshal сериализует кадр
func Marshal(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *FullFrame:
		return v.Marshal()
	case *MiniFrame:
		return v.Marshal()
	}
	return nil, fmt.Errorf("frame: unsupported frame %T", f)
}

// Marshal сериализует полный кадр
func (f *FullFrame) Marshal() ([]byte, error) {
	if f.Body == nil {
		return nil, ErrNilBody
	}
	if f.SrcCallNumber > MaxCallNumber || f.DstCallNumber > MaxCallNumber {
		return nil, fmt.Errorf("%w: src=%d dst=%d", ErrInvalidCallNumber, f.SrcCallNumber, f.DstCallNumber)
	}
	subclass, payload, err := f.Body.encode()
	if err != nil {
		return nil, err
	}
	sc, err := EncodeSubclass(subclass)
	if err != nil {
		return nil, err
	}

	b := make([]byte, FullHeaderLen, FullHeaderLen+len(payload))
	binary.BigEndian.PutUint16(b[0:2], f.SrcCallNumber|fullFlag)
	dst := f.DstCallNumber
	if f.Retransmitted {
		dst |= retransmitFlag
	}
	binary.BigEndian.PutUint16(b[2:4], dst)
	binary.BigEndian.PutUint32(b[4:8], f.Timestamp)
	b[8] = f.OSeq
	b[9] = f.ISeq
	b[10] = byte(f.Body.Type())
	b[11] = sc
	return append(b, payload...), nil
}

// Marshal сериализует мини кадр
func (m *MiniFrame) Marshal() ([]byte, error) {
	if m.SrcCallNumber == 0 || m.SrcCallNumber > MaxCallNumber {
		return nil, fmt.Errorf("%w: src=%d", ErrInvalidCallNumber, m.SrcCallNumber)
	}
	b := make([]byte, MiniHeaderLen, MiniHeaderLen+len(m.Data))
	binary.BigEndian.PutUint16(b[0:2], m.SrcCallNumber)
	binary.BigEndian.PutUint16(b[2:4], m.Timestamp)
	return append(b, m.Data...), nil
}

// EncodeSubclass кодирует подкласс в байт заголовка.
// Значения до 127 передаются как есть, большие значения должны содержать
// ровно один бит и передаются индексом этого бита с флагом C.
func EncodeSubclass(v uint32) (byte, error) {
	if v <= 0x7F {
		return byte(v), nil
	}
	if bits.OnesCount32(v) != 1 {
		return 0, fmt.Errorf("%w: 0x%x", ErrInvalidSubclass, v)
	}
	return compressedFlag | byte(bits.TrailingZeros32(v)), nil
}

// DecodeSubclass разворачивает байт подкласса
func DecodeSubclass(b byte) uint32 {
	if b&compressedFlag != 0 {
		return uint32(1) << (b & 0x1F)
	}
	return uint32(b)
}

// Peek извлекает номер источника и признак полного кадра без полного разбора
func Peek(b []byte) (src uint16, full bool, ok bool) {
	if len(b) < 2 {
		return 0, false, false
	}
	w := binary.BigEndian.Uint16(b[0:2])
	return w &^ fullFlag, w&fullFlag != 0, true
}
