package audio

import "github.com/arzzra/iax_phone/pkg/iax/media"

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ULaw G.711 μ-law
type ULaw struct{}

func (ULaw) Format() media.Format { return media.ULAW }

func (ULaw) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToULaw(s)
	}
	return out, nil
}

func (ULaw) Decode(data []byte) ([]int16, error) {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = ULawToLinear(b)
	}
	return out, nil
}

// ALaw G.711 A-law
type ALaw struct{}

func (ALaw) Format() media.Format { return media.ALAW }

func (ALaw) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToALaw(s)
	}
	return out, nil
}

func (ALaw) Decode(data []byte) ([]int16, error) {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = ALawToLinear(b)
	}
	return out, nil
}

// LinearToULaw сжимает 16-битный отсчет в μ-law
func LinearToULaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exp := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte(s>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

// ULawToLinear восстанавливает отсчет из μ-law
func ULawToLinear(b byte) int16 {
	b = ^b
	exp := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	s := ((mantissa << 3) + ulawBias) << exp
	s -= ulawBias
	if b&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

// LinearToALaw сжимает 16-битный отсчет в A-law
func LinearToALaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0x80)
	if s < 0 {
		s = -s - 1
		sign = 0
	}
	if s > 0x7FFF {
		s = 0x7FFF
	}

	var out byte
	if s < 256 {
		out = byte(s >> 4)
	} else {
		exp := byte(1)
		for v := s >> 8; v > 1; v >>= 1 {
			exp++
		}
		out = exp<<4 | byte(s>>(exp+3))&0x0F
	}
	return (out | sign) ^ 0x55
}

// ALawToLinear восстанавливает отсчет из A-law
func ALawToLinear(b byte) int16 {
	b ^= 0x55
	exp := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	var s int32
	if exp == 0 {
		s = mantissa<<4 + 8
	} else {
		s = (mantissa<<4 + 0x108) << (exp - 1)
	}
	if b&0x80 == 0 {
		return int16(-s)
	}
	return int16(s)
}
