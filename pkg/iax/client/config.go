package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/iax/metrics"
	"github.com/arzzra/iax_phone/pkg/iax/reliable"
	"github.com/arzzra/iax_phone/pkg/logger"
)

const (
	// ClientCallNumber номер вызова области клиента (регистрация)
	ClientCallNumber = 1
	// CallNumberBase номера вызовов выделяются начиная с CallNumberBase+1
	CallNumberBase = 1000

	DefaultMaxCalls              = 64
	DefaultLoginTimeout          = 10 * time.Second
	DefaultDecisionTimeout       = 30 * time.Second
	DefaultRefresh               = 60
	DefaultRejectedRetryCount    = 1
	DefaultRejectedRetryInterval = 10 * time.Second
	DefaultPingInterval          = 20 * time.Second
	DefaultTickInterval          = 1 * time.Second
	DefaultReleaseTimeout        = 2 * time.Second
	// DefaultSamplingRate значение IE SAMPLINGRATE (8 кГц)
	DefaultSamplingRate = 8
)

// DefaultCodecs кодеки по умолчанию в порядке предпочтения.
// Только те, для которых в pkg/audio есть кодер; GSM добавляет приложение со своим кодеком.
var DefaultCodecs = []media.Format{media.ULAW, media.ALAW}

// Config параметры клиента
type Config struct {
	Username     string
	Password     string
	DisplayName  string
	CallerNumber string

	MaxCalls        int
	LoginTimeout    time.Duration
	DecisionTimeout time.Duration
	// Refresh запрашиваемый интервал регистрации в секундах
	Refresh uint16

	RejectedRetryCount    int
	RejectedRetryInterval time.Duration
	MaxAuthTries          int

	Retransmit     reliable.Policy
	PingInterval   time.Duration
	TickInterval   time.Duration
	ReleaseTimeout time.Duration

	// Codecs поддерживаемые кодеки в порядке предпочтения, первый предпочтительный
	Codecs []media.Format

	Logger   logger.Logger
	Metrics  *metrics.Collector
	Listener ClientListener
}

// DefaultConfig возвращает конфигурацию с значениями по умолчанию
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.MaxCalls <= 0 {
		c.MaxCalls = DefaultMaxCalls
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = DefaultDecisionTimeout
	}
	if c.Refresh == 0 {
		c.Refresh = DefaultRefresh
	}
	if c.RejectedRetryCount < 0 {
		c.RejectedRetryCount = 0
	} else if c.RejectedRetryCount == 0 {
		c.RejectedRetryCount = DefaultRejectedRetryCount
	}
	if c.RejectedRetryInterval <= 0 {
		c.RejectedRetryInterval = DefaultRejectedRetryInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
	if len(c.Codecs) == 0 {
		c.Codecs = append([]media.Format(nil), DefaultCodecs...)
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Username
	}
	c.Logger = logger.OrNop(c.Logger)
	if c.Listener == nil {
		c.Listener = NopClientListener{}
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Username == "" {
		return errors.New("client: username is required")
	}
	if c.MaxCalls > frame.MaxCallNumber-CallNumberBase {
		return fmt.Errorf("client: max calls %d exceeds %d", c.MaxCalls, frame.MaxCallNumber-CallNumberBase)
	}
	for _, f := range c.Codecs {
		if !f.IsAudio() {
			return fmt.Errorf("client: %s is not a single audio format", f)
		}
	}
	return nil
}

// capability объединение поддерживаемых кодеков
func (c *Config) capability() media.Format {
	return media.Union(c.Codecs...)
}

func (c *Config) preferred() media.Format {
	return c.Codecs[0]
}
