// Package transport UDP транспорт IAX2.
//
// Одна горутина читает датаграммы, копирует их и по номеру вызова
// отправителя раздает в пул обработчиков. Кадры одного собеседника всегда
// попадают к одному обработчику и обрабатываются в порядке прихода.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/metrics"
	"github.com/arzzra/iax_phone/pkg/logger"
)

const (
	// DefaultPort стандартный порт IAX2
	DefaultPort = 4569
	// ReadBufferSize размер буфера чтения датаграммы
	ReadBufferSize = 10 * 1024

	DefaultWorkers    = 4
	DefaultQueueSize  = 256
	DefaultDSCP       = 46 // EF
	DefaultBufferSize = 256 * 1024
)

// ErrClosed транспорт закрыт
var ErrClosed = errors.New("transport: closed")

// Handler обработчик принятой датаграммы. Буфер принадлежит обработчику.
type Handler func(data []byte)

// Config параметры транспорта
type Config struct {
	// LocalAddr локальный адрес, по умолчанию ":0"
	LocalAddr string
	// RemoteAddr адрес сервера host:port
	RemoteAddr string
	// Workers число обработчиков
	Workers int
	// QueueSize длина очереди каждого обработчика
	QueueSize int
	// DSCP маркировка QoS, 0 отключает
	DSCP int
	// BufferSize размер SO_RCVBUF/SO_SNDBUF
	BufferSize int
	// ReusePort включает SO_REUSEPORT
	ReusePort bool

	Logger  logger.Logger
	Metrics *metrics.Collector
}

// ApplyDefaults заполняет незаданные поля
func (c *Config) ApplyDefaults() {
	if c.LocalAddr == "" {
		c.LocalAddr = ":0"
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	c.Logger = logger.OrNop(c.Logger)
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.RemoteAddr == "" {
		return errors.New("transport: remote address is required")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("transport: DSCP %d out of range 0..63", c.DSCP)
	}
	return nil
}

// TransportError ошибка транспорта
type TransportError struct {
	Op        string
	Err       error
	Temporary bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err, Temporary: isTemporary(err)}
}

// isTemporary сообщает, можно ли продолжать работу после ошибки
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// UDPTransport транспорт поверх одного UDP сокета
type UDPTransport struct {
	cfg    Config
	conn   *net.UDPConn
	remote *net.UDPAddr
	log    logger.Logger

	pool    *keyedPool
	onFatal func(error)

	started   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64
}

// New открывает сокет и применяет параметры сокета
func New(cfg Config) (*UDPTransport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	remote, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "resolve server address %q", cfg.RemoteAddr)
	}
	log := cfg.Logger.WithComponent("transport")
	lc := net.ListenConfig{
		// параметры QoS не обязательны для работы
		Control: socketControl(cfg, func(err error) {
			log.Warn("socket options not applied", logger.Err(err))
		}),
	}
	pc, err := lc.ListenPacket(context.Background(), listenNetwork(remote), cfg.LocalAddr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "listen udp %s", cfg.LocalAddr)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: unexpected packet conn %T", pc)
	}

	return &UDPTransport{
		cfg:      cfg,
		conn:     conn,
		remote:   remote,
		log:      log,
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}, nil
}

// LocalAddr локальный адрес сокета
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr адрес сервера
func (t *UDPTransport) RemoteAddr() *net.UDPAddr { return t.remote }

// Start запускает чтение и обработчики.
// onFatal вызывается один раз, если чтение завершилось неустранимой ошибкой.
func (t *UDPTransport) Start(ctx context.Context, h Handler, onFatal func(error)) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("transport: already started")
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.onFatal = onFatal
	t.pool = newKeyedPool(t.cfg.Workers, t.cfg.QueueSize, h)

	go t.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-t.closed:
		}
	}()
	return nil
}

// Send отправляет датаграмму серверу
func (t *UDPTransport) Send(b []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if _, err := t.conn.WriteToUDP(b, t.remote); err != nil {
		return newError("send", err)
	}
	t.sent.Add(1)
	return nil
}

func (t *UDPTransport) readLoop() {
	defer close(t.readDone)
	buf := make([]byte, ReadBufferSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			te := newError("receive", err)
			if te.Temporary {
				t.log.Debug("temporary receive error", logger.Err(err))
				time.Sleep(10 * time.Millisecond)
				continue
			}
			t.log.Error("receive failed", logger.Err(err))
			if t.onFatal != nil {
				go t.onFatal(te)
			}
			return
		}
		if !sameAddr(addr, t.remote) {
			t.log.Debug("datagram from unknown address ignored", logger.String("addr", addr.String()))
			continue
		}
		src, _, ok := frame.Peek(buf[:n])
		if !ok {
			t.cfg.Metrics.DecodeError("short datagram")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.received.Add(1)
		if !t.pool.dispatch(src, data) {
			t.cfg.Metrics.Dropped()
			t.log.Warn("worker queue full, datagram dropped", logger.Uint16("src", src))
		}
	}
}

// listenNetwork семейство локального сокета по адресу сервера
func listenNetwork(remote *net.UDPAddr) string {
	if remote.IP != nil && remote.IP.To4() == nil {
		return "udp6"
	}
	return "udp4"
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Stats число отправленных и принятых датаграмм
func (t *UDPTransport) Stats() (sent, received uint64) {
	return t.sent.Load(), t.received.Load()
}

// Close закрывает сокет и дожидается завершения горутин. Повторный вызов безопасен.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
		if t.started.Load() {
			<-t.readDone
			t.pool.stop()
		}
	})
	return err
}
