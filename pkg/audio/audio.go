// Package audio связывает вызовы IAX2 с источниками и приемниками звука.
//
// Source выдает закодированные кадры для отправки, Sink проигрывает
// принятые. Codec переводит линейный PCM (16 бит, 8 кГц) в формат вызова.
// Pump отправляет кадры источника в вызов с шагом Ptime, Player реализует
// client.AudioListener и передает принятое аудио в Sink.
package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// DefaultPtime длительность одного аудио кадра
const DefaultPtime = 20 * time.Millisecond

var (
	// ErrUnsupportedCodec для формата нет кодека
	ErrUnsupportedCodec = errors.New("audio: unsupported codec")
	// ErrSourceDone источник исчерпан
	ErrSourceDone = errors.New("audio: source exhausted")
)

// Source источник закодированных кадров
type Source interface {
	ReadFrame() ([]byte, error)
}

// Sink приемник закодированных кадров
type Sink interface {
	PlayFrame(data []byte) error
}

// Codec кодек одного аудио формата
type Codec interface {
	Format() media.Format
	Encode(pcm []int16) ([]byte, error)
	Decode(data []byte) ([]int16, error)
}

// NewCodec возвращает кодек для формата
func NewCodec(f media.Format) (Codec, error) {
	switch f {
	case media.ULAW:
		return ULaw{}, nil
	case media.ALAW:
		return ALaw{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, f)
}

// SamplesPerFrame число отсчетов в кадре длительностью ptime
func SamplesPerFrame(f media.Format, ptime time.Duration) int {
	return int(int64(f.SampleRate()) * int64(ptime) / int64(time.Second))
}
