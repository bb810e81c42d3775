package audio

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/logger"
)

// Sender получатель исходящего аудио, обычно *client.Call
type Sender interface {
	SendAudio(data []byte) error
}

// Pump отправляет кадры источника в вызов с шагом Ptime
type Pump struct {
	Source Source
	Sender Sender
	Ptime  time.Duration
	Logger logger.Logger

	sent atomic.Uint64
}

// Run отправляет кадры, пока источник не исчерпан или не отменен ctx.
// Исчерпание источника (ErrSourceDone, io.EOF) ошибкой не считается.
func (p *Pump) Run(ctx context.Context) error {
	ptime := p.Ptime
	if ptime <= 0 {
		ptime = DefaultPtime
	}
	log := logger.OrNop(p.Logger).WithComponent("audio")
	ticker := time.NewTicker(ptime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		frame, err := p.Source.ReadFrame()
		if errors.Is(err, ErrSourceDone) || errors.Is(err, io.EOF) {
			log.Debug("audio source exhausted", logger.Int("frames", int(p.sent.Load())))
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.Sender.SendAudio(frame); err != nil {
			return err
		}
		p.sent.Add(1)
	}
}

// Sent число отправленных кадров
func (p *Pump) Sent() uint64 { return p.sent.Load() }

// Player передает принятое аудио вызова в Sink, пока аудио активно
type Player struct {
	sink    Sink
	log     logger.Logger
	enabled atomic.Bool
	played  atomic.Uint64
	format  atomic.Uint32
}

func NewPlayer(sink Sink, log logger.Logger) *Player {
	return &Player{sink: sink, log: logger.OrNop(log).WithComponent("audio")}
}

func (p *Player) OnAudioEnabled(enabled bool) {
	p.enabled.Store(enabled)
	p.log.Debug("audio enabled", logger.Bool("enabled", enabled))
}

func (p *Player) OnAudio(data []byte, format media.Format) {
	if !p.enabled.Load() {
		return
	}
	p.format.Store(uint32(format))
	if err := p.sink.PlayFrame(data); err != nil {
		p.log.Warn("play frame failed", logger.Err(err))
		return
	}
	p.played.Add(1)
}

// Played число проигранных кадров
func (p *Player) Played() uint64 { return p.played.Load() }

// Format формат последнего принятого кадра
func (p *Player) Format() media.Format { return media.Format(p.format.Load()) }

// ReaderSource читает кадры фиксированного размера из r (например, файл .ulaw).
// Неполный последний кадр дополняется тишиной.
type ReaderSource struct {
	r       io.Reader
	size    int
	silence byte
}

func NewReaderSource(r io.Reader, codec Codec, ptime time.Duration) *ReaderSource {
	silence, _ := codec.Encode([]int16{0})
	return &ReaderSource{r: r, size: SamplesPerFrame(codec.Format(), ptime), silence: silence[0]}
}

func (s *ReaderSource) ReadFrame() ([]byte, error) {
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case n == 0 && err != nil:
		return nil, ErrSourceDone
	case errors.Is(err, io.ErrUnexpectedEOF):
		for i := n; i < len(buf); i++ {
			buf[i] = s.silence
		}
		return buf, nil
	case err != nil:
		return nil, err
	}
	return buf, nil
}

// ToneSource синусоида заданной частоты, закодированная кодеком
type ToneSource struct {
	codec  Codec
	freq   float64
	amp    float64
	frames int
	size   int
	phase  float64
	count  int
}

// NewToneSource тон freq Гц; frames ограничивает число кадров, 0 без ограничения
func NewToneSource(codec Codec, freq float64, ptime time.Duration, frames int) *ToneSource {
	return &ToneSource{
		codec:  codec,
		freq:   freq,
		amp:    0.3 * math.MaxInt16,
		frames: frames,
		size:   SamplesPerFrame(codec.Format(), ptime),
	}
}

func (s *ToneSource) ReadFrame() ([]byte, error) {
	if s.frames > 0 && s.count >= s.frames {
		return nil, ErrSourceDone
	}
	s.count++
	step := 2 * math.Pi * s.freq / float64(s.codec.Format().SampleRate())
	pcm := make([]int16, s.size)
	for i := range pcm {
		pcm[i] = int16(s.amp * math.Sin(s.phase))
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return s.codec.Encode(pcm)
}

// WriterSink пишет кадры в w
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

func (s *WriterSink) PlayFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(data)
	return err
}

// MultiSink раздает кадр нескольким приемникам; первая ошибка возвращается
type MultiSink []Sink

func (m MultiSink) PlayFrame(data []byte) error {
	var first error
	for _, s := range m {
		if err := s.PlayFrame(data); err != nil && first == nil {
			first = err
		}
	}
	return first
}
