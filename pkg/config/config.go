// Package config конфигурация софтфона в формате TOML.
//
// Файл делится на секции [account], [server], [client], [transport], [log],
// [metrics] и [bridge]. Отсутствующие ключи берутся из Default, пароль можно
// передать переменной окружения IAXPHONE_PASSWORD.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/arzzra/iax_phone/pkg/iax/client"
	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/iax/metrics"
	"github.com/arzzra/iax_phone/pkg/iax/reliable"
	"github.com/arzzra/iax_phone/pkg/iax/state"
	"github.com/arzzra/iax_phone/pkg/iax/transport"
	"github.com/arzzra/iax_phone/pkg/logger"
)

// EnvPassword переменная окружения, перекрывающая account.password
const EnvPassword = "IAXPHONE_PASSWORD"

// Duration длительность в виде строки time.ParseDuration ("10s", "1m30s")
type Duration struct {
	time.Duration
}

// UnmarshalText разбирает длительность; число без единиц считается секундами
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config корневая конфигурация
type Config struct {
	Account   AccountConfig   `toml:"account"`
	Server    ServerConfig    `toml:"server"`
	Client    ClientConfig    `toml:"client"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Bridge    BridgeConfig    `toml:"bridge"`
}

// AccountConfig учетная запись на сервере
type AccountConfig struct {
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	DisplayName  string `toml:"display_name"`
	CallerNumber string `toml:"caller_number"`
}

// ServerConfig адрес сервера IAX2
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr адрес сервера в виде host:port
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ClientConfig параметры протокола
type ClientConfig struct {
	MaxCalls              int      `toml:"max_calls"`
	LoginTimeout          Duration `toml:"login_timeout"`
	DecisionTimeout       Duration `toml:"incoming_decision_timeout"`
	Refresh               uint16   `toml:"registration_refresh"` // секунды
	RejectedRetryCount    int      `toml:"rejected_retry_count"`
	RejectedRetryInterval Duration `toml:"rejected_retry_interval"`
	AuthMaxTries          int      `toml:"auth_max_tries"`
	RetransmitInterval    Duration `toml:"retransmit_interval"`
	RetransmitMaxRetries  int      `toml:"retransmit_max_retries"`
	RetransmitTimeout     Duration `toml:"retransmit_timeout"`
	PingInterval          Duration `toml:"ping_interval"`
	// Codecs имена кодеков в порядке предпочтения
	Codecs []string `toml:"codecs"`
}

// TransportConfig параметры UDP сокета
type TransportConfig struct {
	LocalAddr  string `toml:"local_addr"`
	Workers    int    `toml:"workers"`
	QueueSize  int    `toml:"queue_size"`
	DSCP       int    `toml:"dscp"`
	BufferSize int    `toml:"buffer_size"`
	ReusePort  bool   `toml:"reuse_port"`
}

// LogConfig уровень и формат журнала
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" или "json"
}

// MetricsConfig экспорт метрик Prometheus
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

// BridgeConfig пересылка аудио вызова как RTP
type BridgeConfig struct {
	Enabled bool   `toml:"enabled"`
	Remote  string `toml:"remote"`
	// PSK ключ DTLS в hex; пустой ключ означает RTP без шифрования
	PSK         string `toml:"psk"`
	PSKIdentity string `toml:"psk_identity"`
	PayloadType uint8  `toml:"payload_type"`
}

// Default конфигурация по умолчанию
func Default() *Config {
	policy := reliable.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			Port: transport.DefaultPort,
		},
		Client: ClientConfig{
			MaxCalls:              client.DefaultMaxCalls,
			LoginTimeout:          Duration{client.DefaultLoginTimeout},
			DecisionTimeout:       Duration{client.DefaultDecisionTimeout},
			Refresh:               client.DefaultRefresh,
			RejectedRetryCount:    client.DefaultRejectedRetryCount,
			RejectedRetryInterval: Duration{client.DefaultRejectedRetryInterval},
			AuthMaxTries:          state.MaxAuthTries,
			RetransmitInterval:    Duration{policy.Interval},
			RetransmitMaxRetries:  policy.MaxRetries,
			RetransmitTimeout:     Duration{policy.MaxAge},
			PingInterval:          Duration{client.DefaultPingInterval},
			Codecs:                []string{"ulaw", "alaw"},
		},
		Transport: TransportConfig{
			LocalAddr:  ":0",
			Workers:    transport.DefaultWorkers,
			QueueSize:  transport.DefaultQueueSize,
			DSCP:       transport.DefaultDSCP,
			BufferSize: transport.DefaultBufferSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Listen:    ":9090",
			Namespace: "iax",
		},
		Bridge: BridgeConfig{
			PSKIdentity: "iaxphone",
		},
	}
}

// Load читает файл поверх значений по умолчанию и проверяет результат.
// Неизвестные ключи считаются ошибкой.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if p, ok := os.LookupEnv(EnvPassword); ok {
		c.Account.Password = p
	}
}

// Write записывает конфигурацию в TOML
func (c *Config) Write(w io.Writer) error {
	return errors.Wrap(toml.NewEncoder(w).Encode(c), "config: encode")
}

// Validate проверяет обязательные поля и диапазоны
func (c *Config) Validate() error {
	if c.Account.Username == "" {
		return errors.New("account.username is required")
	}
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Client.MaxCalls <= 0 {
		return fmt.Errorf("client.max_calls must be positive, got %d", c.Client.MaxCalls)
	}
	if len(c.Client.Codecs) == 0 {
		return errors.New("client.codecs must not be empty")
	}
	if _, err := c.codecs(); err != nil {
		return err
	}
	if c.Transport.DSCP < 0 || c.Transport.DSCP > 63 {
		return fmt.Errorf("transport.dscp %d out of range 0..63", c.Transport.DSCP)
	}
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level %q is unknown", c.Log.Level)
	}
	if c.Bridge.Enabled && c.Bridge.Remote == "" {
		return errors.New("bridge.remote is required when the bridge is enabled")
	}
	return nil
}

func (c *Config) codecs() ([]media.Format, error) {
	out := make([]media.Format, 0, len(c.Client.Codecs))
	for _, name := range c.Client.Codecs {
		f, ok := media.ParseFormat(name)
		if !ok || !f.IsAudio() {
			return nil, fmt.Errorf("client.codecs: %q is not an audio codec", name)
		}
		out = append(out, f)
	}
	return out, nil
}

// LoggerOptions параметры логгера
func (c *Config) LoggerOptions(w io.Writer) logger.Options {
	level, _ := logger.ParseLevel(c.Log.Level)
	return logger.Options{Level: level, Format: c.Log.Format, Output: w}
}

// MetricsConfig параметры коллектора метрик
func (c *Config) MetricsConfig() metrics.Config {
	m := metrics.DefaultConfig()
	m.Enabled = c.Metrics.Enabled
	if c.Metrics.Namespace != "" {
		m.Namespace = c.Metrics.Namespace
	}
	return m
}

// ClientConfig параметры клиента IAX2
func (c *Config) ClientConfig(log logger.Logger, m *metrics.Collector, l client.ClientListener) (client.Config, error) {
	codecs, err := c.codecs()
	if err != nil {
		return client.Config{}, err
	}
	cc := c.Client
	return client.Config{
		Username:              c.Account.Username,
		Password:              c.Account.Password,
		DisplayName:           c.Account.DisplayName,
		CallerNumber:          c.Account.CallerNumber,
		MaxCalls:              cc.MaxCalls,
		LoginTimeout:          cc.LoginTimeout.Duration,
		DecisionTimeout:       cc.DecisionTimeout.Duration,
		Refresh:               cc.Refresh,
		RejectedRetryCount:    cc.RejectedRetryCount,
		RejectedRetryInterval: cc.RejectedRetryInterval.Duration,
		MaxAuthTries:          cc.AuthMaxTries,
		Retransmit: reliable.Policy{
			Interval:   cc.RetransmitInterval.Duration,
			MaxRetries: cc.RetransmitMaxRetries,
			MaxAge:     cc.RetransmitTimeout.Duration,
		},
		PingInterval: cc.PingInterval.Duration,
		Codecs:       codecs,
		Logger:       log,
		Metrics:      m,
		Listener:     l,
	}, nil
}

// TransportConfig параметры UDP транспорта
func (c *Config) TransportConfig(log logger.Logger, m *metrics.Collector) transport.Config {
	t := c.Transport
	return transport.Config{
		LocalAddr:  t.LocalAddr,
		RemoteAddr: c.Server.Addr(),
		Workers:    t.Workers,
		QueueSize:  t.QueueSize,
		DSCP:       t.DSCP,
		BufferSize: t.BufferSize,
		ReusePort:  t.ReusePort,
		Logger:     log,
		Metrics:    m,
	}
}
