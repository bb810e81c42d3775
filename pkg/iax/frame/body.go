package frame

import (
	"fmt"

	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// Body типизированное содержимое полного кадра.
// Реализации: *DTMF, *Voice, *Video, *Control, *Null, *IAX, *Text,
// *Image, *HTML, *ComfortNoise, *Unknown.
type Body interface {
	Type() Type
	// encode возвращает подкласс в развернутом виде и полезную нагрузку
	encode() (subclass uint32, payload []byte, err error)
}

// DTMF нажатие клавиши, подкласс содержит ASCII символ
type DTMF struct {
	Digit byte
}

func (b *DTMF) Type() Type { return TypeDTMF }
func (b *DTMF) encode() (uint32, []byte, error) {
	return uint32(b.Digit), nil, nil
}

// Voice аудио кадр; формат задает кодек
type Voice struct {
	Format media.Format
	Data   []byte
}

func (b *Voice) Type() Type { return TypeVoice }
func (b *Voice) encode() (uint32, []byte, error) {
	if !b.Format.IsAudio() {
		return 0, nil, fmt.Errorf("%w: voice with %s", ErrFormatMismatch, b.Format)
	}
	return uint32(b.Format), b.Data, nil
}

// Video видео кадр
type Video struct {
	Format media.Format
	Data   []byte
}

func (b *Video) Type() Type { return TypeVideo }
func (b *Video) encode() (uint32, []byte, error) {
	if !b.Format.IsVideo() {
		return 0, nil, fmt.Errorf("%w: video with %s", ErrFormatMismatch, b.Format)
	}
	return uint32(b.Format), b.Data, nil
}

// Image кадр изображения
type Image struct {
	Format media.Format
	Data   []byte
}

func (b *Image) Type() Type { return TypeImage }
func (b *Image) encode() (uint32, []byte, error) {
	if !b.Format.IsImage() {
		return 0, nil, fmt.Errorf("%w: image with %s", ErrFormatMismatch, b.Format)
	}
	return uint32(b.Format), b.Data, nil
}

// Control управляющий кадр сессии (ANSWER, RINGING, BUSY ...)
type Control struct {
	Subclass ControlSubclass
}

func (b *Control) Type() Type { return TypeControl }
func (b *Control) encode() (uint32, []byte, error) {
	return uint32(b.Subclass), nil, nil
}

// Null пустой кадр, только принимается
type Null struct {
	Subclass uint32
	Data     []byte
}

func (b *Null) Type() Type { return TypeNull }
func (b *Null) encode() (uint32, []byte, error) {
	return b.Subclass, b.Data, nil
}

// IAX сигнальный кадр с информационными элементами
type IAX struct {
	Subclass IAXSubclass
	IEs      ie.List
}

func (b *IAX) Type() Type { return TypeIAX }
func (b *IAX) encode() (uint32, []byte, error) {
	payload, err := b.IEs.Marshal()
	if err != nil {
		return 0, nil, err
	}
	return uint32(b.Subclass), payload, nil
}

// Elements элементы кадра по тегам (последний одноименный побеждает)
func (b *IAX) Elements() ie.Set {
	return b.IEs.Set()
}

// Text текстовое сообщение в UTF-8
type Text struct {
	Text string
}

func (b *Text) Type() Type { return TypeText }
func (b *Text) encode() (uint32, []byte, error) {
	return 0, []byte(b.Text), nil
}

// HTML кадр
type HTML struct {
	Subclass HTMLSubclass
	Data     []byte
}

func (b *HTML) Type() Type { return TypeHTML }
func (b *HTML) encode() (uint32, []byte, error) {
	return uint32(b.Subclass), b.Data, nil
}

// ComfortNoise уровень комфортного шума в -dBov
type ComfortNoise struct {
	Level uint8
}

func (b *ComfortNoise) Type() Type { return TypeComfortNoise }
func (b *ComfortNoise) encode() (uint32, []byte, error) {
	if b.Level > 0x7F {
		return 0, nil, fmt.Errorf("%w: noise level %d", ErrInvalidSubclass, b.Level)
	}
	return uint32(b.Level), nil, nil
}

// Unknown кадр неизвестного типа; сохраняется как есть
type Unknown struct {
	Tag      uint8
	Subclass uint32
	Payload  []byte
}

func (b *Unknown) Type() Type { return Type(b.Tag) }
func (b *Unknown) encode() (uint32, []byte, error) {
	return b.Subclass, b.Payload, nil
}

func decodeBody(t Type, subclass uint32, payload []byte) (Body, error) {
	switch t {
	case TypeDTMF, TypeControl, TypeIAX, TypeHTML, TypeComfortNoise:
		// подкласс этих типов занимает один байт
		if subclass > 0xFF {
			return nil, fmt.Errorf("%w: %s subclass 0x%x", ErrInvalidSubclass, t, subclass)
		}
	}
	switch t {
	case TypeDTMF:
		return &DTMF{Digit: byte(subclass)}, nil
	case TypeVoice:
		f := media.Format(subclass)
		if !f.IsAudio() {
			return nil, fmt.Errorf("%w: voice with %s", ErrFormatMismatch, f)
		}
		return &Voice{Format: f, Data: payload}, nil
	case TypeVideo:
		f := media.Format(subclass)
		if !f.IsVideo() {
			return nil, fmt.Errorf("%w: video with %s", ErrFormatMismatch, f)
		}
		return &Video{Format: f, Data: payload}, nil
	case TypeImage:
		f := media.Format(subclass)
		if !f.IsImage() {
			return nil, fmt.Errorf("%w: image with %s", ErrFormatMismatch, f)
		}
		return &Image{Format: f, Data: payload}, nil
	case TypeControl:
		return &Control{Subclass: ControlSubclass(subclass)}, nil
	case TypeNull:
		return &Null{Subclass: subclass, Data: payload}, nil
	case TypeIAX:
		l, err := ie.Parse(payload)
		if err != nil {
			return nil, err
		}
		return &IAX{Subclass: IAXSubclass(subclass), IEs: l}, nil
	case TypeText:
		return &Text{Text: string(payload)}, nil
	case TypeHTML:
		return &HTML{Subclass: HTMLSubclass(subclass), Data: payload}, nil
	case TypeComfortNoise:
		return &ComfortNoise{Level: uint8(subclass)}, nil
	}
	return &Unknown{Tag: uint8(t), Subclass: subclass, Payload: payload}, nil
}
