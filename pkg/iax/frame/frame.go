// Package frame реализует кодек кадров IAX2 (RFC 5456).
//
// Кадр IAX2 бывает двух видов:
//   - полный (full) кадр с 12-байтовым заголовком: номера вызовов, временная
//     метка, порядковые номера oSeq/iSeq, тип и подкласс
//   - мини (mini) кадр с 4-байтовым заголовком, несущий только аудио
//
// Полный кадр хранит типизированное тело (Body). Набор тел закрыт:
// DTMF, Voice, Video, Control, Null, IAX, Text, Image, HTML, ComfortNoise и Unknown.
// Значения кадров не изменяются после создания, копии строятся методами With*.
package frame

import "fmt"

const (
	// FullHeaderLen размер заголовка полного кадра
	FullHeaderLen = 12
	// MiniHeaderLen размер заголовка мини кадра
	MiniHeaderLen = 4
	// MaxCallNumber максимальный 15-битный номер вызова
	MaxCallNumber = 0x7FFF

	fullFlag       = 0x8000
	retransmitFlag = 0x8000
	compressedFlag = 0x80
)

// Type тип полного кадра
type Type uint8

const (
	TypeDTMF         Type = 0x01
	TypeVoice        Type = 0x02
	TypeVideo        Type = 0x03
	TypeControl      Type = 0x04
	TypeNull         Type = 0x05
	TypeIAX          Type = 0x06
	TypeText         Type = 0x07
	TypeImage        Type = 0x08
	TypeHTML         Type = 0x09
	TypeComfortNoise Type = 0x0a
)

var typeNames = map[Type]string{
	TypeDTMF:         "DTMF",
	TypeVoice:        "VOICE",
	TypeVideo:        "VIDEO",
	TypeControl:      "CONTROL",
	TypeNull:         "NULL",
	TypeIAX:          "IAX",
	TypeText:         "TEXT",
	TypeImage:        "IMAGE",
	TypeHTML:         "HTML",
	TypeComfortNoise: "COMFORTNOISE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// Known сообщает, интерпретируется ли тип кодеком
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// CanTransmit сообщает, разрешена ли отправка кадра такого типа.
// NULL и неизвестные типы только принимаются.
func (t Type) CanTransmit() bool {
	return t.Known() && t != TypeNull
}

// Frame общий интерфейс полного и мини кадра
type Frame interface {
	// Source номер вызова отправителя
	Source() uint16
	// IsFull true для полного кадра
	IsFull() bool
}

// FullFrame полный кадр IAX2
type FullFrame struct {
	SrcCallNumber uint16
	DstCallNumber uint16
	Retransmitted bool
	Timestamp     uint32
	OSeq          uint8
	ISeq          uint8
	Body          Body
}

func (f *FullFrame) Source() uint16 { return f.SrcCallNumber }
func (f *FullFrame) IsFull() bool   { return true }

// Type возвращает тип кадра по телу
func (f *FullFrame) Type() Type {
	if f.Body == nil {
		return TypeNull
	}
	return f.Body.Type()
}

// IAX возвращает тело сигнального кадра, если это кадр типа IAX
func (f *FullFrame) IAX() (*IAX, bool) {
	b, ok := f.Body.(*IAX)
	return b, ok
}

// Control возвращает тело управляющего кадра
func (f *FullFrame) Control() (*Control, bool) {
	b, ok := f.Body.(*Control)
	return b, ok
}

// IsIAX проверяет тип кадра и подкласс сигнального сообщения
func (f *FullFrame) IsIAX(sub IAXSubclass) bool {
	b, ok := f.IAX()
	return ok && b.Subclass == sub
}

// WithRetransmit возвращает копию кадра с флагом повторной передачи
func (f *FullFrame) WithRetransmit() *FullFrame {
	cp := *f
	cp.Retransmitted = true
	return &cp
}

// WithDestination возвращает копию кадра с другим номером получателя
func (f *FullFrame) WithDestination(dst uint16) *FullFrame {
	cp := *f
	cp.DstCallNumber = dst
	return &cp
}

func (f *FullFrame) String() string {
	return fmt.Sprintf("full{src=%d dst=%d r=%t ts=%d oseq=%d iseq=%d %s}",
		f.SrcCallNumber, f.DstCallNumber, f.Retransmitted, f.Timestamp, f.OSeq, f.ISeq, describeBody(f.Body))
}

// MiniFrame мини кадр: номер источника, усеченная метка времени и аудио.
// Формат аудио определяется вызовом, в самом кадре его нет.
type MiniFrame struct {
	SrcCallNumber uint16
	Timestamp     uint16
	Data          []byte
}

func (m *MiniFrame) Source() uint16 { return m.SrcCallNumber }
func (m *MiniFrame) IsFull() bool   { return false }

func (m *MiniFrame) String() string {
	return fmt.Sprintf("mini{src=%d ts=%d len=%d}", m.SrcCallNumber, m.Timestamp, len(m.Data))
}

func describeBody(b Body) string {
	switch v := b.(type) {
	case nil:
		return "<nil>"
	case *IAX:
		return fmt.Sprintf("IAX/%s ies=%d", v.Subclass, len(v.IEs))
	case *Control:
		return fmt.Sprintf("CONTROL/%s", v.Subclass)
	case *Voice:
		return fmt.Sprintf("VOICE/%s len=%d", v.Format, len(v.Data))
	default:
		return b.Type().String()
	}
}
