package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
	"github.com/arzzra/iax_phone/pkg/iax/metrics"
	"github.com/arzzra/iax_phone/pkg/iax/state"
	"github.com/arzzra/iax_phone/pkg/logger"
)

// Call исходящий или принятый входящий вызов.
//
// Вызов владеет своей парой порядковых номеров, часами и таблицей ожидания.
// После завершения номер вызова остается занятым, пока не подтвержден HANGUP.
type Call struct {
	id       string
	client   *Client
	number   uint16
	outbound bool
	log      logger.Logger

	listener CallListener
	audio    AudioListener
	messages MessageListener

	mu           sync.Mutex
	fsm          *fsm.FSM
	ch           *channel
	calledNumber string
	format       media.Format
	authTries    int
	audioOn      bool
	voiceSent    bool
	lastMiniTs   uint16
	lastPing     time.Time
	stopCause    ie.CauseCode
	lagWaiters   []chan time.Duration
	ended        bool
	created      time.Time
	answered     time.Time

	done      chan struct{}
	endOnce   sync.Once
	finishOne sync.Once
}

func newCall(c *Client, number uint16, outbound bool, cl CallListener, al AudioListener) *Call {
	if cl == nil {
		cl = NopCallListener{}
	}
	if al == nil {
		al = NopAudioListener{}
	}
	call := &Call{
		id:        uuid.NewString(),
		client:    c,
		number:    number,
		outbound:  outbound,
		listener:  cl,
		audio:     al,
		format:    c.cfg.preferred(),
		stopCause: ie.CauseNormalClearing,
		created:   time.Now(),
		done:      make(chan struct{}),
	}
	call.messages, _ = cl.(MessageListener)
	call.log = c.cfg.Logger.WithComponent("call").WithFields(
		logger.String("call_id", call.id), logger.Uint16("call_no", number))
	call.ch = newChannel(number, scopeCall, c.cfg.Retransmit, c.tr.Send, call.log, c.metrics)
	initial := state.CallInitial
	if !outbound {
		initial = state.CallUp
	}
	call.fsm = state.NewCallFSM(initial, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			call.log.Debug("call transition",
				logger.String("event", e.Event), logger.String("from", e.Src), logger.String("to", e.Dst))
		},
	})
	return call
}

// ID идентификатор вызова для журналов
func (c *Call) ID() string { return c.id }

// LocalNumber локальный номер вызова
func (c *Call) LocalNumber() uint16 { return c.number }

// Outbound true для исходящего вызова
func (c *Call) Outbound() bool { return c.outbound }

// Done закрывается при завершении вызова
func (c *Call) Done() <-chan struct{} { return c.done }

// PeerNumber номер вызова собеседника, 0 пока не известен
func (c *Call) PeerNumber() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.dst
}

// CalledNumber вызываемый номер
func (c *Call) CalledNumber() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calledNumber
}

// Format выбранный кодек
func (c *Call) Format() media.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// State состояние вызова
func (c *Call) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current()
}

// begin отправляет NEW
func (c *Call) begin(number string) error {
	cfg := &c.client.cfg
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := state.Apply(context.Background(), c.fsm, state.EventStart); err != nil {
		return err
	}
	c.calledNumber = number
	c.lastPing = time.Now()
	els := ie.List{
		ie.Version(),
		ie.CallingName(cfg.DisplayName),
	}
	if cfg.CallerNumber != "" {
		els = append(els, ie.CallingNumber(cfg.CallerNumber))
	}
	els = append(els,
		ie.Format(cfg.preferred()),
		ie.Capability(cfg.capability()),
		ie.SamplingRate(DefaultSamplingRate),
		ie.Username(cfg.Username),
		ie.CalledNumber(number),
	)
	_, err := c.ch.send(&frame.IAX{Subclass: frame.IAXNew, IEs: els}, true, c.ch.clock())
	c.log.Info("dialing", logger.String("number", number))
	return err
}

// promote создает принятый входящий вызов из ожидающего: номера, часы и
// таблица ожидания переходят к вызову, аудио сразу активно.
func promote(p *PendingCall, cl CallListener, al AudioListener) *Call {
	call := newCall(p.client, p.number, false, cl, al)
	call.id = p.id
	call.calledNumber = p.info.CalledNumber
	call.format = p.format
	call.ch.dst = p.ch.dst
	call.ch.seq = p.ch.seq
	call.ch.start = p.ch.start
	p.ch.pending.Transfer(call.ch.pending)
	call.lastPing = time.Now()
	call.answered = time.Now()
	call.created = p.created
	call.audioOn = true
	return call
}

func (c *Call) handleFull(f *frame.FullFrame) {
	var n notes
	c.mu.Lock()
	if c.ch.dst == 0 {
		c.ch.dst = f.SrcCallNumber
	}
	body, isIAX := f.IAX()
	switch {
	case isIAX && body.Subclass == frame.IAXAck:
		c.ch.pending.Ack(f.ISeq)
	case isIAX && body.Subclass == frame.IAXVNAK:
		c.ch.resendFrom(f.ISeq)
	default:
		skip := isIAX && body.Subclass.SkipsOrderCheck()
		if c.ch.admit(f, skip) {
			c.transitionLocked(f, &n)
		}
	}
	release := c.releasableLocked()
	c.mu.Unlock()
	n.run()
	if release {
		c.finish()
	}
}

func (c *Call) transitionLocked(f *frame.FullFrame, n *notes) {
	old := c.fsm.Current()
	out := state.Call(old, f, state.CallContext{
		Username:     c.client.cfg.Username,
		Password:     c.client.cfg.Password,
		AuthTries:    c.authTries,
		MaxAuthTries: c.client.cfg.MaxAuthTries,
		Clock:        c.ch.clock(),
	})
	if err := state.Apply(context.Background(), c.fsm, out.Event); err != nil {
		c.log.Warn("call event rejected", logger.String("event", out.Event), logger.Err(err))
	}
	for _, e := range out.Effects {
		c.runEffectLocked(e, f, n)
	}
	c.stateChangedLocked(old, n)
}

func (c *Call) runEffectLocked(e state.Effect, f *frame.FullFrame, n *notes) {
	if c.ch.runCommon(e, f) {
		return
	}
	switch e := e.(type) {
	case state.Notify:
		c.notifyLocked(e.Kind, n)
	case state.RemoteStop:
		c.log.Info("remote hangup", logger.String("cause", e.Cause.String()), logger.String("text", e.CauseText))
		c.endLocked(e.Cause, e.CauseText, true, n)
	case state.Audio:
		c.format = e.Format
		c.enableAudioLocked(n)
		al, data, format := c.audio, e.Data, e.Format
		n.add(func() { al.OnAudio(data, format) })
	case state.SelectCodec:
		c.format = e.Format
	case state.DTMF:
		if m := c.messages; m != nil {
			digit := e.Digit
			n.add(func() { m.OnDTMF(c, digit) })
		}
	case state.Text:
		if m := c.messages; m != nil {
			text := e.Text
			n.add(func() { m.OnText(c, text) })
		}
	case state.Lag:
		d := time.Duration(e.Millis) * time.Millisecond
		for _, w := range c.lagWaiters {
			w <- d
		}
		c.lagWaiters = nil
	case state.Pong:
		c.log.Trace("pong")
	case state.IncAuth:
		c.authTries++
	default:
		c.log.Debug("effect ignored at call scope", logger.String("effect", fmt.Sprintf("%T", e)))
	}
}

func (c *Call) notifyLocked(kind state.NotifyKind, n *notes) {
	l := c.listener
	switch kind {
	case state.NotifyProceeding:
		n.add(func() { l.OnProceeding(c) })
	case state.NotifyRinging:
		n.add(func() { l.OnRinging(c) })
	case state.NotifyAnswered:
		c.answered = time.Now()
		n.add(func() { l.OnAnswered(c) })
	case state.NotifyBusy:
		c.stopCause = ie.CauseUserBusy
		n.add(func() { l.OnBusy(c) })
	case state.NotifyCongestion:
		c.stopCause = ie.CauseSwitchCongestion
		n.add(func() { l.OnCongestion(c) })
	}
}

// stateChangedLocked реакция на смену состояния: в Up включается аудио,
// возврат в Initial без удаленного отбоя завершает вызов локально.
func (c *Call) stateChangedLocked(old string, n *notes) {
	cur := c.fsm.Current()
	if cur == old {
		return
	}
	c.log.Info("call state changed", logger.String("old", old), logger.String("new", cur))
	switch cur {
	case state.CallUp:
		c.enableAudioLocked(n)
	case state.CallInitial:
		if !c.ended {
			c.sendHangupLocked(c.stopCause, c.stopCause.String())
			c.endLocked(c.stopCause, "", false, n)
		}
	}
}

func (c *Call) enableAudioLocked(n *notes) {
	if c.audioOn {
		return
	}
	c.audioOn = true
	al := c.audio
	n.add(func() { al.OnAudioEnabled(true) })
}

func (c *Call) sendHangupLocked(cause ie.CauseCode, text string) {
	_, err := c.ch.send(&frame.IAX{Subclass: frame.IAXHangup, IEs: ie.List{
		ie.Cause(text),
		ie.Code(cause),
	}}, true, c.ch.clock())
	c.ch.logErr("hangup", err)
}

// endLocked завершает вызов для приложения. При удаленном отбое ожидать нечего,
// таблица ожидания очищается.
func (c *Call) endLocked(cause ie.CauseCode, text string, remote bool, n *notes) {
	if c.ended {
		return
	}
	c.ended = true
	if remote {
		c.ch.pending.Reset()
	}
	if c.audioOn {
		c.audioOn = false
		al := c.audio
		n.add(func() { al.OnAudioEnabled(false) })
	}
	for _, w := range c.lagWaiters {
		close(w)
	}
	c.lagWaiters = nil
	l := c.listener
	n.add(func() { l.OnHangup(c, cause, text) })
	c.endOnce.Do(func() { close(c.done) })
}

func (c *Call) releasableLocked() bool {
	return c.ended && c.ch.pending.Len() == 0
}

// finish освобождает номер вызова
func (c *Call) finish() {
	c.finishOne.Do(func() {
		c.mu.Lock()
		peer := c.ch.dst
		result := "completed"
		if c.answered.IsZero() {
			result = "unanswered"
		}
		d := time.Since(c.created)
		c.ended = true
		c.mu.Unlock()
		c.endOnce.Do(func() { close(c.done) })

		direction := metrics.DirectionIn
		if c.outbound {
			direction = metrics.DirectionOut
		}
		c.client.release(c, peer, direction, result, d)
		c.log.Debug("call number released")
	})
}

func (c *Call) handleMini(m *frame.MiniFrame) {
	var n notes
	c.mu.Lock()
	st := c.fsm.Current()
	if c.ended || (st != state.CallLinked && st != state.CallUp) {
		c.mu.Unlock()
		return
	}
	c.enableAudioLocked(&n)
	al, format := c.audio, c.format
	c.mu.Unlock()
	n.run()
	al.OnAudio(m.Data, format)
}

// tick повторные передачи и PING
func (c *Call) tick(now time.Time) {
	var n notes
	c.mu.Lock()
	if expired := c.ch.sweep(now); expired > 0 {
		err := newError(CategoryRetransmit, "retransmit", c.number,
			fmt.Errorf("%d frame(s) not acknowledged", expired))
		l := c.listener
		n.add(func() { l.OnRetransmitError(c, err) })
		if !c.ended {
			// собеседник не отвечает
			if c.fsm.Current() != state.CallInitial {
				_ = state.Apply(context.Background(), c.fsm, state.EventRevert)
			}
			c.endLocked(ie.CauseRecoveryOnTimerExpiration, "retransmission failed", true, &n)
		} else {
			c.ch.pending.Reset()
		}
	}
	if !c.ended && c.fsm.Current() != state.CallInitial && now.Sub(c.lastPing) >= c.client.cfg.PingInterval {
		c.lastPing = now
		_, err := c.ch.send(&frame.IAX{Subclass: frame.IAXPing}, true, c.ch.clock())
		c.ch.logErr("ping", err)
	}
	release := c.releasableLocked()
	c.mu.Unlock()
	n.run()
	if release {
		c.finish()
	}
}

// Hangup завершает вызов: HANGUP с подтверждением и возврат в Initial
func (c *Call) Hangup() error {
	var n notes
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrCallClosed
	}
	c.sendHangupLocked(ie.CauseNormalClearing, "normal clearing")
	if c.fsm.Current() != state.CallInitial {
		_ = state.Apply(context.Background(), c.fsm, state.EventRevert)
	}
	c.endLocked(ie.CauseNormalClearing, "local hangup", false, &n)
	c.mu.Unlock()
	n.run()
	return nil
}

func (c *Call) shutdown() {
	if err := c.Hangup(); err != nil {
		c.log.Debug("shutdown", logger.Err(err))
	}
}

// Send отправляет произвольное тело кадра с подтверждением
func (c *Call) Send(body frame.Body) error {
	if body == nil || !body.Type().CanTransmit() {
		return ErrNotTransmittable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ErrCallClosed
	}
	_, err := c.ch.send(body, true, c.ch.clock())
	return err
}

// SendDTMF отправляет нажатие клавиши
func (c *Call) SendDTMF(digit byte) error { return c.Send(&frame.DTMF{Digit: digit}) }

// SendText отправляет текстовое сообщение
func (c *Call) SendText(text string) error { return c.Send(&frame.Text{Text: text}) }

// SendHTML отправляет HTML кадр
func (c *Call) SendHTML(sub frame.HTMLSubclass, data []byte) error {
	return c.Send(&frame.HTML{Subclass: sub, Data: data})
}

// Hold ставит вызов на удержание
func (c *Call) Hold() error { return c.Send(&frame.Control{Subclass: frame.ControlHold}) }

// Unhold снимает удержание
func (c *Call) Unhold() error { return c.Send(&frame.Control{Subclass: frame.ControlUnhold}) }

// SendAudio отправляет закодированный кадр выбранным кодеком.
// Первый кадр и кадр после переполнения 16-битной метки уходят полным VOICE
// с подтверждением, остальные мини кадрами.
func (c *Call) SendAudio(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return ErrCallClosed
	}
	if st := c.fsm.Current(); st != state.CallLinked && st != state.CallUp {
		return ErrNotEstablished
	}
	clock := c.ch.clock()
	ts := uint16(clock)
	if !c.voiceSent || ts < c.lastMiniTs {
		c.voiceSent = true
		c.lastMiniTs = ts
		_, err := c.ch.send(&frame.Voice{Format: c.format, Data: data}, true, clock)
		return err
	}
	c.lastMiniTs = ts
	return c.ch.writeMini(ts, data)
}

// Lag измеряет задержку до собеседника (LAGRQ/LAGRP)
func (c *Call) Lag(ctx context.Context) (time.Duration, error) {
	w := make(chan time.Duration, 1)
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return 0, ErrCallClosed
	}
	c.lagWaiters = append(c.lagWaiters, w)
	_, err := c.ch.send(&frame.IAX{Subclass: frame.IAXLagRq}, true, c.ch.clock())
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	select {
	case d, ok := <-w:
		if !ok {
			return 0, ErrCallClosed
		}
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
