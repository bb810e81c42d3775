// Package media описывает форматы медиа IAX2 в виде битовых масок.
//
// Одиночный бит задает конкретный кодек (подкласс VOICE/VIDEO/IMAGE кадра,
// IE FORMAT), объединение битов задает набор возможностей (IE CAPABILITY).
package media

import (
	"math/bits"
	"strings"
)

// Format битовая маска медиа форматов
type Format uint32

const (
	G7231    Format = 0x00000001
	GSM      Format = 0x00000002
	ULAW     Format = 0x00000004
	ALAW     Format = 0x00000008
	G726     Format = 0x00000010
	ADPCM    Format = 0x00000020
	SLIN     Format = 0x00000040
	LPC10    Format = 0x00000080
	G729     Format = 0x00000100
	SPEEX    Format = 0x00000200
	ILBC     Format = 0x00000400
	G726AAL2 Format = 0x00000800
	G722     Format = 0x00001000
	AMR      Format = 0x00002000

	JPEG Format = 0x00010000
	PNG  Format = 0x00020000

	H261  Format = 0x00040000
	H263  Format = 0x00080000
	H263P Format = 0x00100000
	H264  Format = 0x00200000
)

// Маски классов форматов
const (
	AudioMask Format = 0x0000FFFF
	ImageMask Format = 0x00030000
	VideoMask Format = 0x00FC0000
)

var formatNames = []struct {
	f    Format
	name string
}{
	{G7231, "G723.1"}, {GSM, "GSM"}, {ULAW, "ULAW"}, {ALAW, "ALAW"},
	{G726, "G726"}, {ADPCM, "ADPCM"}, {SLIN, "SLIN"}, {LPC10, "LPC10"},
	{G729, "G729"}, {SPEEX, "SPEEX"}, {ILBC, "ILBC"}, {G726AAL2, "G726AAL2"},
	{G722, "G722"}, {AMR, "AMR"}, {JPEG, "JPEG"}, {PNG, "PNG"},
	{H261, "H261"}, {H263, "H263"}, {H263P, "H263P"}, {H264, "H264"},
}

func (f Format) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	rest := f
	for _, n := range formatNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
			rest &^= n.f
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strings.ToUpper(formatHex(uint32(rest))))
	}
	return strings.Join(parts, "|")
}

func formatHex(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xF]
		v >>= 4
	}
	return string(buf[i:])
}

// Single сообщает, установлен ли ровно один бит
func (f Format) Single() bool {
	return bits.OnesCount32(uint32(f)) == 1
}

// IsAudio одиночный аудио формат
func (f Format) IsAudio() bool { return f.Single() && f&AudioMask != 0 }

// IsVideo одиночный видео формат
func (f Format) IsVideo() bool { return f.Single() && f&VideoMask != 0 }

// IsImage одиночный формат изображения
func (f Format) IsImage() bool { return f.Single() && f&ImageMask != 0 }

// Has проверяет наличие всех битов other
func (f Format) Has(other Format) bool { return other != 0 && f&other == other }

// Split раскладывает маску на одиночные форматы в порядке возрастания битов
func (f Format) Split() []Format {
	var out []Format
	for v := uint32(f); v != 0; v &= v - 1 {
		out = append(out, Format(uint32(1)<<bits.TrailingZeros32(v)))
	}
	return out
}

// Union объединяет форматы в маску
func Union(formats ...Format) Format {
	var f Format
	for _, x := range formats {
		f |= x
	}
	return f
}

// SampleRate частота дискретизации аудио формата в Гц.
// Для неизвестных и неаудио форматов возвращается 8000.
func (f Format) SampleRate() int {
	switch f {
	case G722:
		return 16000
	default:
		return 8000
	}
}

// ParseFormat находит одиночный формат по имени без учета регистра ("ulaw", "GSM")
func ParseFormat(name string) (Format, bool) {
	name = strings.TrimSpace(name)
	for _, n := range formatNames {
		if strings.EqualFold(n.name, name) {
			return n.f, true
		}
	}
	return 0, false
}
