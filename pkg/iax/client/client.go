// Package client реализует клиента IAX2: регистрацию на сервере,
// исходящие и входящие вызовы поверх одного UDP транспорта.
//
// Входящие датаграммы разбираются кодеком кадров и маршрутизируются по
// номеру вызова получателя: в область клиента (регистрация) или в вызов.
// Переходы состояний вычисляются чистыми функциями пакета state, владелец
// применяет событие к FSM и выполняет эффекты. Слушатели вызываются после
// снятия внутренних блокировок.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/iax/metrics"
	"github.com/arzzra/iax_phone/pkg/iax/state"
	"github.com/arzzra/iax_phone/pkg/iax/transport"
	"github.com/arzzra/iax_phone/pkg/logger"
)

// Transport датаграммный транспорт до сервера
type Transport interface {
	Start(ctx context.Context, h transport.Handler, onFatal func(error)) error
	Send(b []byte) error
	Close() error
}

// notes отложенные вызовы слушателей, выполняются после снятия блокировок
type notes []func()

func (n *notes) add(f func()) { *n = append(*n, f) }

func (n notes) run() {
	for _, f := range n {
		f()
	}
}

// Client клиент IAX2
type Client struct {
	cfg      Config
	tr       Transport
	log      logger.Logger
	metrics  *metrics.Collector
	listener ClientListener
	reg      *registry

	mu          sync.Mutex
	fsm         *fsm.FSM
	ch          *channel
	authTries   int
	rejections  int
	releaseTs   uint32
	refresh     time.Duration
	apparent    *ie.ApparentAddr
	serverTime  time.Time
	nextRefresh time.Time
	nextRetry   time.Time
	stateCh     chan struct{}
	pokes       []chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	groupCtx  context.Context
	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
	closed    atomic.Bool
}

// New создает клиента поверх транспорта. Сеть не используется до Connect.
func New(cfg Config, tr Transport) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	c := &Client{
		cfg:      cfg,
		tr:       tr,
		log:      cfg.Logger.WithComponent("client").WithFields(logger.String("username", cfg.Username)),
		metrics:  cfg.Metrics,
		listener: cfg.Listener,
		reg:      newRegistry(cfg.MaxCalls),
		refresh:  time.Duration(cfg.Refresh) * time.Second,
		stateCh:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		groupCtx: groupCtx,
	}
	c.ch = newChannel(ClientCallNumber, scopeClient, cfg.Retransmit, tr.Send, c.log, cfg.Metrics)
	c.fsm = state.NewClientFSM(fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			c.log.Debug("registration transition",
				logger.String("event", e.Event), logger.String("from", e.Src), logger.String("to", e.Dst))
		},
	})
	return c, nil
}

// NewUDP создает клиента с UDP транспортом
func NewUDP(cfg Config, tcfg transport.Config) (*Client, error) {
	if tcfg.Logger == nil {
		tcfg.Logger = cfg.Logger
	}
	if tcfg.Metrics == nil {
		tcfg.Metrics = cfg.Metrics
	}
	tr, err := transport.New(tcfg)
	if err != nil {
		return nil, err
	}
	c, err := New(cfg, tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return c, nil
}

// State текущее состояние регистрации
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current()
}

// Registered true если клиент зарегистрирован
func (c *Client) Registered() bool { return c.State() == state.ClientRegistered }

// Refresh интервал регистрации, подтвержденный сервером
func (c *Client) Refresh() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refresh
}

// ApparentAddr адрес клиента, как его видит сервер (из REGACK)
func (c *Client) ApparentAddr() (ie.ApparentAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apparent == nil {
		return ie.ApparentAddr{}, false
	}
	return *c.apparent, true
}

// ServerTime время сервера из DATETIME последнего REGACK (с точностью до 2 с)
func (c *Client) ServerTime() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverTime, !c.serverTime.IsZero()
}

// ActiveCalls число занятых номеров вызовов
func (c *Client) ActiveCalls() int { return c.reg.count() }

func (c *Client) start() error {
	c.startOnce.Do(func() {
		if err := c.tr.Start(c.ctx, c.handleDatagram, c.onTransportFailure); err != nil {
			c.startErr = newError(CategoryTransport, "start", 0, err)
			return
		}
		c.group.Go(func() error {
			c.tickLoop(c.groupCtx)
			return nil
		})
	})
	return c.startErr
}

// Connect регистрирует клиента и ждет ответа сервера не дольше LoginTimeout.
// Rejected и NoAuth возвращают ErrRejected и ErrAuthFailed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.start(); err != nil {
		return err
	}

	var n notes
	c.mu.Lock()
	if c.fsm.Current() != state.ClientUnregistered {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.rejections = 0
	err := c.registerLocked(&n)
	c.mu.Unlock()
	n.run()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.LoginTimeout)
	defer cancel()
	st, err := c.waitState(ctx, state.IsTerminalRegistration)
	if err != nil {
		c.log.Warn("registration timed out", logger.Duration("timeout", c.cfg.LoginTimeout))
		var dn notes
		c.dropRegistration(&dn)
		c.listener.OnConnect(false)
		return fmt.Errorf("%w: %v", ErrLoginTimeout, err)
	}
	switch st {
	case state.ClientRegistered:
		return nil
	case state.ClientRejected:
		return ErrRejected
	default:
		return newError(CategoryAuth, "register", ClientCallNumber, ErrAuthFailed)
	}
}

// registerLocked отправляет REGREQ с нуля: номера, часы и получатель сбрасываются
func (c *Client) registerLocked(n *notes) error {
	old := c.fsm.Current()
	if err := state.Apply(context.Background(), c.fsm, state.EventRegister); err != nil {
		return err
	}
	c.authTries = 0
	c.ch.reset()
	c.ch.dst = 0
	c.ch.resetClock()
	_, err := c.ch.send(&frame.IAX{
		Subclass: frame.IAXRegReq,
		IEs:      ie.List{ie.Username(c.cfg.Username), ie.Refresh(c.cfg.Refresh)},
	}, true, 0)
	c.stateChangedLocked(old, n)
	return err
}

// Disconnect завершает все вызовы и отправляет REGREL
func (c *Client) Disconnect() error {
	for _, s := range c.reg.all() {
		s.shutdown()
	}

	var n notes
	c.mu.Lock()
	old := c.fsm.Current()
	if old == state.ClientUnregistered || old == state.ClientReleasing {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if err := state.Apply(context.Background(), c.fsm, state.EventRelease); err != nil {
		c.mu.Unlock()
		return err
	}
	c.releaseTs = c.ch.clock()
	c.ch.reset()
	c.ch.dst = 0
	_, err := c.ch.send(&frame.IAX{
		Subclass: frame.IAXRegRel,
		IEs: ie.List{
			ie.Username(c.cfg.Username),
			ie.Code(ie.CauseNormalUnspecified),
			ie.Cause("user requested disconnect"),
		},
	}, true, c.releaseTs)
	c.stateChangedLocked(old, &n)
	n.add(c.listener.OnDisconnect)
	c.mu.Unlock()
	n.run()
	return err
}

// dropRegistration переводит клиента в Unregistered без обмена с сервером
func (c *Client) dropRegistration(n *notes) {
	c.mu.Lock()
	old := c.fsm.Current()
	if old != state.ClientUnregistered {
		if err := state.Apply(context.Background(), c.fsm, state.EventDrop); err != nil {
			c.log.Warn("drop registration", logger.Err(err))
		}
		c.ch.reset()
		c.ch.dst = 0
		c.stateChangedLocked(old, n)
	}
	c.mu.Unlock()
	n.run()
	*n = nil
}

// Close отключается от сервера, ждет подтверждения не дольше ReleaseTimeout
// и освобождает транспорт. Повторный вызов безопасен.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		switch c.State() {
		case state.ClientUnregistered, state.ClientReleasing:
		default:
			if derr := c.Disconnect(); derr != nil {
				c.log.Debug("disconnect on close", logger.Err(derr))
			}
		}
		if c.State() == state.ClientReleasing {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReleaseTimeout)
			_, werr := c.waitState(ctx, func(s string) bool { return s == state.ClientUnregistered })
			cancel()
			if werr != nil {
				c.log.Warn("server did not confirm release", logger.Duration("timeout", c.cfg.ReleaseTimeout))
				var n notes
				c.dropRegistration(&n)
			}
		}
		for _, s := range c.reg.all() {
			s.shutdown()
			s.finish()
		}

		c.closed.Store(true)
		c.cancel()
		err = c.tr.Close()
		if gerr := c.group.Wait(); gerr != nil && err == nil {
			err = gerr
		}
	})
	return err
}

func (c *Client) onTransportFailure(err error) {
	c.log.Error("transport failed", logger.Err(err))
	for _, s := range c.reg.all() {
		s.finish()
	}
	var n notes
	if c.State() != state.ClientUnregistered {
		n.add(c.listener.OnDisconnect)
	}
	c.dropRegistration(&n)
	_ = c.Close()
}

// waitState ждет состояния регистрации, удовлетворяющего pred
func (c *Client) waitState(ctx context.Context, pred func(string) bool) (string, error) {
	for {
		c.mu.Lock()
		cur := c.fsm.Current()
		changed := c.stateCh
		c.mu.Unlock()
		if pred(cur) {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

func (c *Client) stateChangedLocked(old string, n *notes) {
	cur := c.fsm.Current()
	if cur == old {
		return
	}
	c.metrics.Registration(cur)
	c.log.Info("registration state changed", logger.String("old", old), logger.String("new", cur))
	close(c.stateCh)
	c.stateCh = make(chan struct{})

	l := c.listener
	n.add(func() { l.OnStateChanged(old, cur) })
	switch cur {
	case state.ClientRegistered:
		c.authTries = 0
		c.nextRefresh = time.Now().Add(c.refresh)
		n.add(func() { l.OnConnect(true) })
	case state.ClientRejected:
		c.nextRetry = time.Now().Add(c.cfg.RejectedRetryInterval)
		n.add(func() { l.OnConnect(false) })
	case state.ClientNoAuth:
		n.add(func() { l.OnConnect(false) })
	}
}

// handleDatagram обработчик транспорта
func (c *Client) handleDatagram(b []byte) {
	parsed, err := frame.Parse(b)
	if err != nil {
		c.metrics.DecodeError(decodeReason(err))
		c.log.Debug("datagram dropped", logger.Err(err), logger.Int("len", len(b)))
		return
	}
	switch f := parsed.(type) {
	case *frame.MiniFrame:
		c.metrics.FrameReceived("MINI", "")
		s, ok := c.reg.byPeer(f.SrcCallNumber)
		if !ok {
			c.log.Debug("mini frame for unknown call", logger.Uint16("src", f.SrcCallNumber))
			return
		}
		s.handleMini(f)
	case *frame.FullFrame:
		typ, sub := frameLabels(f)
		c.metrics.FrameReceived(typ, sub)
		c.log.Trace("frame received", logger.String("frame", f.String()))
		c.route(f)
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrShortBuffer):
		return "short"
	case errors.Is(err, frame.ErrMetaFrame):
		return "meta"
	case errors.Is(err, frame.ErrInvalidSubclass):
		return "subclass"
	case errors.Is(err, frame.ErrFormatMismatch):
		return "format"
	case errors.Is(err, frame.ErrUnsupportedVersion):
		return "version"
	}
	return "malformed"
}

// route выбирает владельца полного кадра по номеру получателя
func (c *Client) route(f *frame.FullFrame) {
	dst := f.DstCallNumber
	switch {
	case dst > CallNumberBase:
		s, ok := c.reg.byLocal(dst)
		if !ok {
			c.log.Warn("frame for unknown call dropped", logger.Uint16("dst", dst), logger.String("frame", f.String()))
			return
		}
		if _, bound := c.reg.byPeer(f.SrcCallNumber); !bound {
			c.reg.bindPeer(f.SrcCallNumber, s)
		}
		s.handleFull(f)
	case f.IsIAX(frame.IAXNew):
		c.handleNew(f)
	case dst == 0 || dst == ClientCallNumber:
		c.handleFull(f)
	default:
		c.log.Warn("frame for unknown call number dropped", logger.Uint16("dst", dst))
	}
}

// handleFull кадр области клиента
func (c *Client) handleFull(f *frame.FullFrame) {
	var n notes
	c.mu.Lock()
	c.processLocked(f, &n)
	c.mu.Unlock()
	n.run()
}

func (c *Client) processLocked(f *frame.FullFrame, n *notes) {
	body, isIAX := f.IAX()
	if isIAX {
		switch {
		case body.Subclass == frame.IAXAck:
			c.ch.pending.Ack(f.ISeq)
			// в Releasing ACK на REGREL завершает отключение
			if c.fsm.Current() == state.ClientReleasing {
				c.transitionLocked(f, n)
			}
			return
		case body.Subclass == frame.IAXVNAK:
			c.ch.resendFrom(f.ISeq)
			return
		case body.Subclass == frame.IAXPong && len(c.pokes) > 0:
			c.wakePokesLocked()
			c.ch.logErr("ack", c.ch.ack(f))
			return
		}
	}
	skip := f.DstCallNumber == 0 || (isIAX && body.Subclass.SkipsOrderCheck())
	if c.ch.admit(f, skip) {
		c.transitionLocked(f, n)
	}
}

func (c *Client) transitionLocked(f *frame.FullFrame, n *notes) {
	old := c.fsm.Current()
	out := state.Client(old, f, state.ClientContext{
		Username:         c.cfg.Username,
		Password:         c.cfg.Password,
		Refresh:          c.cfg.Refresh,
		AuthTries:        c.authTries,
		MaxAuthTries:     c.cfg.MaxAuthTries,
		ReleaseTimestamp: c.releaseTs,
		Clock:            c.ch.clock(),
	})
	if err := state.Apply(context.Background(), c.fsm, out.Event); err != nil {
		c.log.Warn("registration event rejected", logger.String("event", out.Event), logger.Err(err))
	}
	for _, e := range out.Effects {
		c.runEffectLocked(e, f)
	}
	c.stateChangedLocked(old, n)
}

func (c *Client) runEffectLocked(e state.Effect, f *frame.FullFrame) {
	if c.ch.runCommon(e, f) {
		return
	}
	switch e := e.(type) {
	case state.IncAuth:
		c.authTries++
	case state.LearnPeer:
		c.ch.dst = e.CallNumber
	case state.StoreRegistration:
		c.storeRegistrationLocked(e.Elements)
	case state.ResetRejections:
		c.rejections = 0
	case state.Pong:
		c.wakePokesLocked()
	case state.Lag:
		c.log.Debug("client lag", logger.Uint32("ms", e.Millis))
	default:
		c.log.Debug("effect ignored at client scope", logger.String("effect", fmt.Sprintf("%T", e)))
	}
}

func (c *Client) storeRegistrationLocked(els ie.Set) {
	if refresh, ok := els.Uint16(ie.TagRefresh); ok && refresh > 0 {
		c.refresh = time.Duration(refresh) * time.Second
	}
	if addr, ok := els.ApparentAddr(); ok {
		c.apparent = &addr
	}
	if t, ok := els.DateTime(); ok {
		c.serverTime = t
		c.log.Debug("server time", logger.String("datetime", t.Format(time.RFC3339)))
	}
}

// Poke проверяет доступность сервера: POKE и ожидание PONG.
// Возвращает время ответа.
func (c *Client) Poke(ctx context.Context) (time.Duration, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := c.start(); err != nil {
		return 0, err
	}
	wait := make(chan struct{})
	c.mu.Lock()
	c.pokes = append(c.pokes, wait)
	sent := time.Now()
	err := c.ch.write(&frame.FullFrame{
		SrcCallNumber: ClientCallNumber,
		Timestamp:     c.ch.clock(),
		Body:          &frame.IAX{Subclass: frame.IAXPoke},
	})
	c.mu.Unlock()
	if err != nil {
		c.removePoke(wait)
		return 0, err
	}
	select {
	case <-wait:
		return time.Since(sent), nil
	case <-ctx.Done():
		c.removePoke(wait)
		return 0, ctx.Err()
	}
}

func (c *Client) wakePokesLocked() {
	for _, w := range c.pokes {
		close(w)
	}
	c.pokes = nil
}

func (c *Client) removePoke(w chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pokes {
		if p == w {
			c.pokes = append(c.pokes[:i], c.pokes[i+1:]...)
			return
		}
	}
}

func (c *Client) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

// tick повторные передачи, обновление регистрации и повтор после отказа
func (c *Client) tick(now time.Time) {
	var n notes
	disconnect := false

	c.mu.Lock()
	if expired := c.ch.sweep(now); expired > 0 {
		err := newError(CategoryRetransmit, "retransmit", ClientCallNumber,
			fmt.Errorf("%d frame(s) not acknowledged", expired))
		l := c.listener
		n.add(func() { l.OnRetransmitError(err) })
		if old := c.fsm.Current(); old == state.ClientReleasing {
			_ = state.Apply(context.Background(), c.fsm, state.EventDrop)
			c.ch.reset()
			c.stateChangedLocked(old, &n)
		}
	}
	switch c.fsm.Current() {
	case state.ClientRegistered:
		if !now.Before(c.nextRefresh) {
			c.log.Debug("refreshing registration")
			c.ch.logErr("register", c.registerLocked(&n))
		}
	case state.ClientRejected:
		if !now.Before(c.nextRetry) {
			if c.rejections < c.cfg.RejectedRetryCount {
				c.rejections++
				c.log.Info("retrying rejected registration", logger.Int("attempt", c.rejections))
				c.ch.logErr("register", c.registerLocked(&n))
			} else {
				disconnect = true
			}
		}
	}
	c.mu.Unlock()
	n.run()

	if disconnect {
		c.log.Warn("registration rejected, giving up")
		if err := c.Disconnect(); err != nil {
			c.log.Debug("disconnect after rejection", logger.Err(err))
		}
	}
	for _, s := range c.reg.all() {
		s.tick(now)
	}
}

// allocate выделяет номер вызова и учитывает его в метриках
func (c *Client) allocate(build func(number uint16) session) (session, error) {
	s, err := c.reg.allocate(build)
	if err != nil {
		return nil, newError(CategoryCapacity, "allocate", 0, err)
	}
	c.metrics.CallStarted()
	return s, nil
}

// release освобождает номер вызова
func (c *Client) release(s session, peer uint16, direction, result string, d time.Duration) {
	c.reg.release(s, peer)
	c.metrics.CallFinished(direction, result, d)
}

// Dial начинает исходящий вызов на номер number.
// Ход вызова сообщается слушателю, аудио приходит в al.
func (c *Client) Dial(ctx context.Context, number string, cl CallListener, al AudioListener) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Registered() {
		return nil, ErrNotConnected
	}
	s, err := c.allocate(func(n uint16) session {
		return newCall(c, n, true, cl, al)
	})
	if err != nil {
		return nil, err
	}
	call := s.(*Call)
	if err := call.begin(number); err != nil {
		call.finish()
		return nil, err
	}
	return call, nil
}

// handleNew входящий NEW: проверка номеров и кодеков, ACCEPT и RINGING,
// затем решение приложения в отдельной горутине.
func (c *Client) handleNew(f *frame.FullFrame) {
	if s, ok := c.reg.byPeer(f.SrcCallNumber); ok {
		// повтор NEW уже известного вызова
		s.handleFull(f)
		return
	}
	info := parseNew(f)
	log := c.log.WithFields(logger.Uint16("peer", f.SrcCallNumber), logger.String("calling", info.CallingNumber))

	s, err := c.allocate(func(n uint16) session {
		return newPendingCall(c, n, f.SrcCallNumber, info)
	})
	if err != nil {
		log.Warn("incoming call rejected", logger.Err(err))
		c.metrics.CallStarted()
		c.metrics.CallFinished(metrics.DirectionIn, "capacity", 0)
		c.rejectNew(f, ClientCallNumber, ie.CauseNoChannelAvailable, "no channel available")
		return
	}
	p := s.(*PendingCall)

	supported := c.supportedCodecs(info.Capability)
	if supported == 0 {
		log.Warn("incoming call rejected: no compatible codec", logger.String("offered", info.Capability.String()))
		p.reject(f, ie.CauseIncompatibleDestination, "no compatible codec", "incompatible")
		return
	}
	format := c.chooseCodec(info.Format, supported)
	if err := p.begin(f, format); err != nil {
		log.Warn("incoming call setup failed", logger.Err(err))
	}
	log.Info("incoming call", logger.String("codec", format.String()), logger.String("call_id", p.id))
	c.listener.OnIncomingCall(p)
}

// rejectNew отвечает REJECT на NEW, когда номер вызова выделить нельзя.
// Такой REJECT не повторяется: ждать подтверждения негде.
func (c *Client) rejectNew(f *frame.FullFrame, src uint16, cause ie.CauseCode, text string) {
	err := c.ch.write(&frame.FullFrame{
		SrcCallNumber: src,
		DstCallNumber: f.SrcCallNumber,
		Timestamp:     f.Timestamp,
		OSeq:          f.ISeq,
		ISeq:          f.OSeq + 1,
		Body: &frame.IAX{Subclass: frame.IAXReject, IEs: ie.List{
			ie.Cause(text),
			ie.Code(cause),
		}},
	})
	c.ch.logErr("reject", err)
}

// supportedCodecs предложенные кодеки, которые поддерживают клиент и приложение
func (c *Client) supportedCodecs(offered media.Format) media.Format {
	own := c.cfg.capability()
	var out media.Format
	for _, f := range offered.Split() {
		if f.IsAudio() && own.Has(f) && c.listener.SupportsCodec(f) {
			out |= f
		}
	}
	return out
}

// chooseCodec выбор кодека: предпочтение собеседника, затем слушателя, затем конфигурации
func (c *Client) chooseCodec(preferred, supported media.Format) media.Format {
	if preferred.IsAudio() && supported.Has(preferred) {
		return preferred
	}
	if f := c.listener.PreferredCodec(supported); f.IsAudio() && supported.Has(f) {
		return f
	}
	for _, f := range c.cfg.Codecs {
		if supported.Has(f) {
			return f
		}
	}
	return supported.Split()[0]
}
