// Package bridge пересылает аудио вызова IAX2 как поток RTP.
//
// Bridge реализует client.AudioListener: принятые кадры упаковываются
// в RTP пакеты (pion/rtp) и отправляются на удаленный адрес по UDP или,
// если задан PSK, через DTLS (pion/dtls). SessionDescription описывает
// поток в SDP, чтобы его мог принять обычный RTP плеер.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/logger"
)

const (
	DefaultMTU              = 1200
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	// ErrUnsupportedFormat у формата нет описания в RTP
	ErrUnsupportedFormat = errors.New("bridge: format has no RTP payload type")
	// ErrClosed мост закрыт
	ErrClosed = errors.New("bridge: closed")
)

// Config параметры моста
type Config struct {
	// Remote адрес получателя RTP (host:port)
	Remote    string
	LocalAddr string
	// PSK ключ DTLS; пустой ключ означает RTP без шифрования
	PSK         []byte
	PSKIdentity string
	// DynamicPayloadType номер для форматов без статического типа, 0 означает 96
	DynamicPayloadType uint8
	Ptime              time.Duration
	MTU                int
	HandshakeTimeout   time.Duration
	Logger             logger.Logger
}

func (c *Config) setDefaults() {
	if c.DynamicPayloadType == 0 {
		c.DynamicPayloadType = DefaultDynamicPayloadType
	}
	if c.Ptime <= 0 {
		c.Ptime = 20 * time.Millisecond
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Bridge поток RTP к одному получателю
type Bridge struct {
	cfg    Config
	conn   net.Conn
	log    logger.Logger
	ssrc   uint32
	secure bool

	mu         sync.Mutex
	closed     bool
	format     media.Format
	packetizer rtp.Packetizer
	sequencer  rtp.Sequencer
	timestamp  uint32

	enabled atomic.Bool
	packets atomic.Uint64
	octets  atomic.Uint64
}

// Dial открывает поток к cfg.Remote. С PSK выполняется DTLS рукопожатие.
func Dial(ctx context.Context, cfg Config) (*Bridge, error) {
	cfg.setDefaults()
	if cfg.Remote == "" {
		return nil, errors.New("bridge: remote address is required")
	}

	d := net.Dialer{}
	if cfg.LocalAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("bridge: resolve local address: %w", err)
		}
		d.LocalAddr = laddr
	}
	conn, err := d.DialContext(ctx, "udp", cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", cfg.Remote, err)
	}

	b := &Bridge{
		cfg:       cfg,
		conn:      conn,
		log:       logger.OrNop(cfg.Logger).WithComponent("bridge"),
		ssrc:      rand.Uint32(),
		sequencer: rtp.NewRandomSequencer(),
		timestamp: rand.Uint32(),
	}

	if len(cfg.PSK) > 0 {
		hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
		dc, err := dialDTLS(hctx, conn, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		b.conn = dc
		b.secure = true
	}

	b.log.Info("rtp bridge started",
		logger.String("remote", conn.RemoteAddr().String()),
		logger.Bool("dtls", b.secure),
		logger.Uint32("ssrc", b.ssrc))
	return b, nil
}

// LocalAddr локальный адрес потока
func (b *Bridge) LocalAddr() net.Addr { return b.conn.LocalAddr() }

// RemoteAddr адрес получателя
func (b *Bridge) RemoteAddr() net.Addr { return b.conn.RemoteAddr() }

// SSRC идентификатор источника потока
func (b *Bridge) SSRC() uint32 { return b.ssrc }

// Secure поток зашифрован DTLS
func (b *Bridge) Secure() bool { return b.secure }

// Stats число отправленных пакетов и байт нагрузки
func (b *Bridge) Stats() (packets, octets uint64) {
	return b.packets.Load(), b.octets.Load()
}

func (b *Bridge) OnAudioEnabled(enabled bool) {
	b.enabled.Store(enabled)
	b.log.Debug("audio enabled", logger.Bool("enabled", enabled))
}

func (b *Bridge) OnAudio(data []byte, format media.Format) {
	if !b.enabled.Load() {
		return
	}
	if err := b.WriteFrame(data, format); err != nil {
		b.log.Warn("rtp write failed", logger.Err(err), logger.String("format", format.String()))
	}
}

// WriteFrame упаковывает кадр в RTP и отправляет его.
// Смена формата сохраняет SSRC, порядковые номера и метку времени.
func (b *Bridge) WriteFrame(data []byte, format media.Format) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.packetizer == nil || format != b.format {
		if err := b.switchFormatLocked(format); err != nil {
			return err
		}
	}

	n := samples(format, data, b.cfg.Ptime)
	for _, p := range b.packetizer.Packetize(data, n) {
		raw, err := p.Marshal()
		if err != nil {
			return fmt.Errorf("bridge: marshal rtp: %w", err)
		}
		if _, err := b.conn.Write(raw); err != nil {
			return fmt.Errorf("bridge: write: %w", err)
		}
		b.packets.Add(1)
		b.octets.Add(uint64(len(p.Payload)))
	}
	b.timestamp += n
	return nil
}

func (b *Bridge) switchFormatLocked(format media.Format) error {
	pt, name, ok := PayloadType(format, b.cfg.DynamicPayloadType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	b.packetizer = rtp.NewPacketizerWithOptions(
		uint16(b.cfg.MTU),
		payloader(format),
		b.sequencer,
		rtpClockRate,
		rtp.WithSSRC(b.ssrc),
		rtp.WithPayloadType(pt),
		rtp.WithTimestamp(b.timestamp),
	)
	if b.format != 0 {
		b.log.Info("rtp format changed",
			logger.String("from", b.format.String()),
			logger.String("to", name),
			logger.Int("payload_type", int(pt)))
	}
	b.format = format
	return nil
}

// Close завершает поток; для DTLS отправляется close_notify
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	packets, octets := b.packets.Load(), b.octets.Load()
	b.log.Info("rtp bridge closed", logger.Any("packets", packets), logger.Any("octets", octets))
	return b.conn.Close()
}
