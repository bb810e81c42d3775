// Команда iaxphone: софтфон IAX2 для командной строки.
//
// Регистрируется на сервере из конфигурации, может позвонить (-dial),
// автоматически отвечать на входящие (-answer) или только проверить
// доступность сервера (-poke). Принятое аудио пересылается RTP мостом,
// если он включен в секции [bridge].
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/iax_phone/pkg/audio"
	"github.com/arzzra/iax_phone/pkg/bridge"
	"github.com/arzzra/iax_phone/pkg/config"
	"github.com/arzzra/iax_phone/pkg/iax/client"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/iax/metrics"
	"github.com/arzzra/iax_phone/pkg/logger"
)

type options struct {
	dial    string
	answer  bool
	poke    bool
	play    string
	tone    float64
	sdpPath string
}

func main() {
	var (
		configPath  = flag.String("config", "iaxphone.toml", "Path to TOML config")
		dial        = flag.String("dial", "", "Number to dial after registration")
		answer      = flag.Bool("answer", false, "Answer incoming calls automatically")
		poke        = flag.Bool("poke", false, "Check that the server is reachable and exit")
		metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
		play        = flag.String("play", "", "Raw G.711 file to send into the call")
		tone        = flag.Float64("tone", 0, "Send a test tone of this frequency in Hz")
		sdpPath     = flag.String("sdp", "", "Write SDP of the RTP bridge stream to this file")
		printConfig = flag.Bool("print-config", false, "Print the default config and exit")
	)
	flag.Parse()

	if *printConfig {
		if err := config.Default().Write(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsAddr
	}
	log := logger.New(cfg.LoggerOptions(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{
		dial:    *dial,
		answer:  *answer,
		poke:    *poke,
		play:    *play,
		tone:    *tone,
		sdpPath: *sdpPath,
	}
	if err := run(ctx, cfg, opts, log); err != nil {
		log.Error("iaxphone stopped with error", logger.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log logger.Logger) error {
	collector, stopMetrics, err := startMetrics(cfg, log)
	if err != nil {
		return err
	}
	defer stopMetrics()

	p := &phone{opts: opts, log: log.WithComponent("phone"), ctx: ctx}
	if cfg.Bridge.Enabled {
		b, err := dialBridge(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()
		p.bridge = b
	}

	ccfg, err := cfg.ClientConfig(log, collector, p)
	if err != nil {
		return err
	}
	c, err := client.NewUDP(ccfg, cfg.TransportConfig(log, collector))
	if err != nil {
		return err
	}
	p.client = c
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("close client", logger.Err(err))
		}
		p.wg.Wait()
	}()

	if opts.poke {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rtt, err := c.Poke(pctx)
		if err != nil {
			return fmt.Errorf("poke %s: %w", cfg.Server.Addr(), err)
		}
		fmt.Printf("%s is reachable, rtt %s\n", cfg.Server.Addr(), rtt)
		return nil
	}

	if err := c.Connect(ctx); err != nil {
		return err
	}
	log.Info("registered", logger.String("server", cfg.Server.Addr()), logger.Duration("refresh", c.Refresh()))

	if opts.dial != "" {
		return p.dial(ctx)
	}
	<-ctx.Done()
	return nil
}

// startMetrics запускает HTTP endpoint /metrics на отдельном реестре
func startMetrics(cfg *config.Config, log logger.Logger) (*metrics.Collector, func(), error) {
	if !cfg.Metrics.Enabled {
		return nil, func() {}, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := cfg.MetricsConfig()
	mc.Registerer = reg
	collector := metrics.New(mc)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics endpoint failed", logger.Err(err))
		}
	}()
	log.Info("metrics endpoint started", logger.String("listen", cfg.Metrics.Listen))

	return collector, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func dialBridge(ctx context.Context, cfg *config.Config, log logger.Logger) (*bridge.Bridge, error) {
	psk, err := hex.DecodeString(cfg.Bridge.PSK)
	if err != nil {
		return nil, fmt.Errorf("bridge.psk is not hex: %w", err)
	}
	return bridge.Dial(ctx, bridge.Config{
		Remote:             cfg.Bridge.Remote,
		PSK:                psk,
		PSKIdentity:        cfg.Bridge.PSKIdentity,
		DynamicPayloadType: cfg.Bridge.PayloadType,
		Logger:             log,
	})
}

// phone связывает клиента с мостом и источником аудио
type phone struct {
	client.NopClientListener

	opts   options
	log    logger.Logger
	ctx    context.Context
	client *client.Client
	bridge *bridge.Bridge
	wg     sync.WaitGroup
}

func (p *phone) OnStateChanged(old, new string) {
	p.log.Info("registration state", logger.String("from", old), logger.String("to", new))
}

func (p *phone) OnRetransmitError(err error) {
	p.log.Warn("server does not acknowledge", logger.Err(err))
}

// PreferredCodec при отправке тона или файла нужен G.711
func (p *phone) PreferredCodec(offered media.Format) media.Format {
	if p.opts.play == "" && p.opts.tone == 0 {
		return 0
	}
	for _, f := range []media.Format{media.ULAW, media.ALAW} {
		if offered.Has(f) {
			return f
		}
	}
	return 0
}

func (p *phone) OnIncomingCall(call *client.PendingCall) {
	info := call.Info()
	log := p.log.WithFields(logger.String("call_id", call.ID()), logger.String("from", info.CallingNumber))
	log.Info("incoming call", logger.String("name", info.CallingName), logger.String("called", info.CalledNumber))

	if !p.opts.answer {
		if err := call.Decline(); err != nil {
			log.Warn("decline", logger.Err(err))
		}
		return
	}
	obs := &callObserver{phone: p, log: log, hangup: make(chan struct{})}
	c, err := call.Accept(obs, p.audioListener())
	if err != nil {
		log.Warn("accept", logger.Err(err))
		return
	}
	log.Info("call accepted", logger.String("format", c.Format().String()))
	obs.startMedia(c)
}

func (p *phone) dial(ctx context.Context) error {
	obs := &callObserver{phone: p, log: p.log.WithFields(logger.String("to", p.opts.dial)), hangup: make(chan struct{})}
	call, err := p.client.Dial(ctx, p.opts.dial, obs, p.audioListener())
	if err != nil {
		return err
	}
	select {
	case <-call.Done():
	case <-ctx.Done():
		_ = call.Hangup()
		<-call.Done()
	}
	return nil
}

// audioListener мост, если он включен. Пустой интерфейс вместо nil указателя.
func (p *phone) audioListener() client.AudioListener {
	if p.bridge == nil {
		return nil
	}
	return p.bridge
}

func (p *phone) source(c *client.Call) (audio.Source, error) {
	if p.opts.play == "" && p.opts.tone == 0 {
		return nil, nil
	}
	codec, err := audio.NewCodec(c.Format())
	if err != nil {
		return nil, err
	}
	if p.opts.play != "" {
		f, err := os.Open(p.opts.play)
		if err != nil {
			return nil, err
		}
		go func() {
			<-c.Done()
			f.Close()
		}()
		return audio.NewReaderSource(f, codec, audio.DefaultPtime), nil
	}
	return audio.NewToneSource(codec, p.opts.tone, audio.DefaultPtime, 0), nil
}

func (p *phone) writeSDP(c *client.Call) {
	if p.bridge == nil || p.opts.sdpPath == "" {
		return
	}
	desc, err := p.bridge.SessionDescription(c.Format())
	if err == nil {
		var raw []byte
		if raw, err = desc.Marshal(); err == nil {
			err = os.WriteFile(p.opts.sdpPath, raw, 0o644)
		}
	}
	if err != nil {
		p.log.Warn("write sdp", logger.Err(err))
	}
}

// callObserver журналирует ход вызова и запускает отправку аудио после ответа
type callObserver struct {
	client.NopCallListener

	phone  *phone
	log    logger.Logger
	once   sync.Once
	hangup chan struct{}
}

func (o *callObserver) OnRinging(*client.Call) { o.log.Info("ringing") }

func (o *callObserver) OnBusy(*client.Call) { o.log.Info("busy") }

func (o *callObserver) OnCongestion(*client.Call) { o.log.Info("congestion") }

func (o *callObserver) OnAnswered(call *client.Call) {
	o.log.Info("answered", logger.String("format", call.Format().String()))
	o.startMedia(call)
}

func (o *callObserver) OnHangup(call *client.Call, cause ie.CauseCode, text string) {
	o.log.Info("hangup", logger.Int("cause", int(cause)), logger.String("text", text))
	close(o.hangup)
}

func (o *callObserver) OnRetransmitError(_ *client.Call, err error) {
	o.log.Warn("peer does not acknowledge", logger.Err(err))
}

func (o *callObserver) OnDTMF(_ *client.Call, digit byte) {
	o.log.Info("dtmf", logger.String("digit", string(digit)))
}

func (o *callObserver) OnText(_ *client.Call, text string) {
	o.log.Info("text", logger.String("text", text))
}

func (o *callObserver) startMedia(call *client.Call) {
	o.once.Do(func() {
		o.phone.writeSDP(call)
		src, err := o.phone.source(call)
		if err != nil {
			o.log.Warn("audio source", logger.Err(err))
			return
		}
		if src == nil {
			return
		}
		ctx, cancel := context.WithCancel(o.phone.ctx)
		pump := &audio.Pump{Source: src, Sender: call, Logger: o.log}
		o.phone.wg.Add(2)
		go func() {
			defer o.phone.wg.Done()
			defer cancel()
			select {
			case <-o.hangup:
			case <-ctx.Done():
			}
		}()
		go func() {
			defer o.phone.wg.Done()
			if err := pump.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Warn("audio pump stopped", logger.Err(err))
			}
			o.log.Info("audio sent", logger.Any("frames", pump.Sent()))
		}()
	})
}
