package client

import (
	"context"
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

// CallInfo параметры входящего вызова из NEW
type CallInfo struct {
	CallingName   string
	CallingNumber string
	Username      string
	CalledNumber  string
	// Capability предложенные кодеки
	Capability media.Format
	// Format предпочтительный кодек собеседника, 0 если не указан
	Format       media.Format
	SamplingRate uint16
	Version      uint16
}

// parseNew извлекает параметры вызова. Имя и пользователь подменяют друг друга,
// без CAPABILITY и FORMAT предполагается GSM.
func parseNew(f *frame.FullFrame) CallInfo {
	body, _ := f.IAX()
	els := body.Elements()

	var info CallInfo
	info.CallingName, _ = els.Text(ie.TagCallingName)
	info.CallingNumber, _ = els.Text(ie.TagCallingNumber)
	info.Username, _ = els.Text(ie.TagUsername)
	info.CalledNumber, _ = els.Text(ie.TagCalledNumber)
	if info.CallingName == "" {
		info.CallingName = info.Username
	}
	if info.Username == "" {
		info.Username = info.CallingName
	}

	capability, _ := els.Formats(ie.TagCapability)
	format, _ := els.Formats(ie.TagFormat)
	info.Capability = capability | format
	if format.IsAudio() {
		info.Format = format
	}
	if info.Capability == 0 {
		info.Capability = media.GSM
	}

	info.SamplingRate = DefaultSamplingRate
	if rate, ok := els.Uint16(ie.TagSamplingRate); ok {
		info.SamplingRate = rate
	}
	info.Version, _ = els.Uint16(ie.TagVersion)
	return info
}

type decision struct {
	accept   bool
	listener CallListener
	audio    AudioListener
	reply    chan decisionResult
}

type decisionResult struct {
	call *Call
	err  error
}

// PendingCall входящий вызов, ожидающий решения приложения.
// Вызовите Accept или Decline; без решения вызов завершается по DecisionTimeout.
type PendingCall struct {
	id      string
	client  *Client
	number  uint16
	info    CallInfo
	created time.Time
	log     logger.Logger

	mu     sync.Mutex
	fsm    *fsm.FSM
	ch     *channel
	format media.Format
	err    error
	result string

	decisions  chan decision
	decided    chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	finishOnce sync.Once
}

func newPendingCall(c *Client, number, peer uint16, info CallInfo) *PendingCall {
	p := &PendingCall{
		id:        uuid.NewString(),
		client:    c,
		number:    number,
		info:      info,
		created:   time.Now(),
		decisions: make(chan decision),
		decided:   make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.log = c.cfg.Logger.WithComponent("call").WithFields(
		logger.String("call_id", p.id), logger.Uint16("call_no", number), logger.Uint16("peer", peer))
	p.ch = newChannel(number, scopeCall, c.cfg.Retransmit, c.tr.Send, p.log, c.metrics)
	p.ch.dst = peer
	p.fsm = state.NewPendingFSM(fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			p.log.Debug("incoming call transition",
				logger.String("event", e.Event), logger.String("from", e.Src), logger.String("to", e.Dst))
		},
	})
	return p
}

// ID идентификатор вызова; сохраняется после Accept
func (p *PendingCall) ID() string { return p.id }

// LocalNumber локальный номер вызова
func (p *PendingCall) LocalNumber() uint16 { return p.number }

// Info параметры вызова из NEW
func (p *PendingCall) Info() CallInfo { return p.info }

// Format выбранный кодек
func (p *PendingCall) Format() media.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// State состояние ожидающего вызова
func (p *PendingCall) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fsm.Current()
}

// Done закрывается, когда вызов принят или завершен
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Err причина, по которой решение больше не принимается
func (p *PendingCall) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// begin принимает NEW: ACCEPT с выбранным кодеком и RINGING, затем ожидание решения
func (p *PendingCall) begin(f *frame.FullFrame, format media.Format) error {
	p.mu.Lock()
	p.format = format
	p.ch.admit(f, false)
	p.client.reg.bindPeer(f.SrcCallNumber, p)
	clock := p.ch.clock()
	_, err := p.ch.send(&frame.IAX{Subclass: frame.IAXAccept, IEs: ie.List{ie.Format(format)}}, true, clock)
	if err == nil {
		_, err = p.ch.send(&frame.Control{Subclass: frame.ControlRinging}, true, clock)
	}
	if aerr := state.Apply(context.Background(), p.fsm, state.EventRing); aerr != nil && err == nil {
		err = aerr
	}
	p.mu.Unlock()

	go p.await(p.client.cfg.DecisionTimeout)
	return err
}

// reject отвечает REJECT на NEW. Номер остается занятым, пока REJECT
// не подтвержден или не истекли повторы.
func (p *PendingCall) reject(f *frame.FullFrame, cause ie.CauseCode, text, result string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch.admit(f, false)
	p.client.reg.bindPeer(f.SrcCallNumber, p)
	p.result = result
	p.err = ErrCallClosed
	_, err := p.ch.send(&frame.IAX{Subclass: frame.IAXReject, IEs: ie.List{
		ie.Cause(text),
		ie.Code(cause),
	}}, true, p.ch.clock())
	p.ch.logErr("reject", err)
	if err := state.Apply(context.Background(), p.fsm, state.EventReject); err != nil {
		p.log.Warn("reject transition", logger.Err(err))
	}
}

// Accept принимает вызов. Возвращает установленный вызов в состоянии Up.
func (p *PendingCall) Accept(cl CallListener, al AudioListener) (*Call, error) {
	return p.decide(decision{accept: true, listener: cl, audio: al})
}

// Decline отклоняет вызов (HANGUP CALL_REJECTED)
func (p *PendingCall) Decline() error {
	_, err := p.decide(decision{})
	return err
}

func (p *PendingCall) decide(d decision) (*Call, error) {
	d.reply = make(chan decisionResult, 1)
	select {
	case p.decisions <- d:
	case <-p.decided:
		if err := p.Err(); err != nil {
			return nil, err
		}
		return nil, ErrCallClosed
	}
	r := <-d.reply
	return r.call, r.err
}

// await ждет решения в своей горутине, не блокируя прием кадров
func (p *PendingCall) await(timeout time.Duration) {
	defer close(p.decided)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.decisions:
		if d.accept {
			call, err := p.answer(d.listener, d.audio)
			d.reply <- decisionResult{call: call, err: err}
			return
		}
		p.hangup(ie.CauseCallRejected, "declined", "declined")
		d.reply <- decisionResult{}
		p.setErr(ErrCallClosed)
	case <-timer.C:
		p.log.Info("incoming call not answered", logger.Duration("timeout", timeout))
		p.setErr(ErrDecisionTimeout)
		p.hangup(ie.CauseNoUserResponse, "no user response", "timeout")
	case <-p.stop:
		p.setErr(ErrCallClosed)
	case <-p.client.ctx.Done():
		p.setErr(ErrClosed)
	}
}

func (p *PendingCall) setErr(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

// answer ANSWER собеседнику и передача номера принятому вызову
func (p *PendingCall) answer(cl CallListener, al AudioListener) (*Call, error) {
	p.mu.Lock()
	if p.fsm.Current() != state.PendingRinging {
		p.mu.Unlock()
		return nil, ErrCallClosed
	}
	_, err := p.ch.send(&frame.Control{Subclass: frame.ControlAnswer}, true, p.ch.clock())
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if err := state.Apply(context.Background(), p.fsm, state.EventAnswer); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	call := promote(p, cl, al)
	p.client.reg.replace(p, call, p.ch.dst)
	p.result = "answered"
	p.mu.Unlock()

	p.log.Info("incoming call answered", logger.String("codec", call.format.String()))
	call.audio.OnAudioEnabled(true)
	p.finishOnce.Do(func() { close(p.done) })
	return call, nil
}

// hangup HANGUP собеседнику; номер освобождается после подтверждения
func (p *PendingCall) hangup(cause ie.CauseCode, text, result string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fsm.Current() != state.PendingRinging {
		return
	}
	p.result = result
	_, err := p.ch.send(&frame.IAX{Subclass: frame.IAXHangup, IEs: ie.List{
		ie.Cause(text),
		ie.Code(cause),
	}}, true, p.ch.clock())
	p.ch.logErr("hangup", err)
	if err := state.Apply(context.Background(), p.fsm, state.EventHangup); err != nil {
		p.log.Warn("hangup transition", logger.Err(err))
	}
}

func (p *PendingCall) closingLocked() bool {
	switch p.fsm.Current() {
	case state.PendingRejectSent, state.PendingHangupSent, state.PendingCancelled:
		return true
	}
	return false
}

func (p *PendingCall) handleFull(f *frame.FullFrame) {
	cancelled := false
	p.mu.Lock()
	body, isIAX := f.IAX()
	switch {
	case isIAX && body.Subclass == frame.IAXAck:
		p.ch.pending.Ack(f.ISeq)
	case isIAX && body.Subclass == frame.IAXVNAK:
		p.ch.resendFrom(f.ISeq)
	default:
		skip := isIAX && body.Subclass.SkipsOrderCheck()
		if !p.ch.admit(f, skip) {
			break
		}
		out := state.Pending(p.fsm.Current(), f, p.ch.clock())
		if err := state.Apply(context.Background(), p.fsm, out.Event); err != nil {
			p.log.Warn("incoming call event rejected", logger.String("event", out.Event), logger.Err(err))
		}
		for _, e := range out.Effects {
			if p.ch.runCommon(e, f) {
				continue
			}
			if _, ok := e.(state.Declined); ok {
				p.log.Info("caller hung up before answer")
				p.result = "cancelled"
				p.ch.pending.Reset()
				cancelled = true
			}
		}
	}
	release := p.closingLocked() && p.ch.pending.Len() == 0
	p.mu.Unlock()

	if cancelled {
		p.cancel()
	}
	if release {
		p.finish()
	}
}

// handleMini до ответа аудио не принимается
func (p *PendingCall) handleMini(*frame.MiniFrame) {}

func (p *PendingCall) tick(now time.Time) {
	p.mu.Lock()
	expired := p.ch.sweep(now)
	ringing := p.fsm.Current() == state.PendingRinging
	release := p.closingLocked() && (expired > 0 || p.ch.pending.Len() == 0)
	p.mu.Unlock()

	if ringing && expired > 0 {
		// собеседник не подтверждает ACCEPT/RINGING
		p.setErr(ErrCallClosed)
		p.cancel()
		p.mu.Lock()
		p.result = "lost"
		p.mu.Unlock()
		release = true
	}
	if release {
		p.finish()
	}
}

func (p *PendingCall) cancel() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// shutdown отклоняет вызов при отключении клиента
func (p *PendingCall) shutdown() {
	p.hangup(ie.CauseNormalClearing, "client disconnect", "shutdown")
	p.cancel()
}

// finish освобождает номер, если вызов не был принят
func (p *PendingCall) finish() {
	p.mu.Lock()
	answered := p.fsm.Current() == state.PendingAnswered
	result := p.result
	p.mu.Unlock()
	if answered {
		return
	}
	p.finishOnce.Do(func() {
		p.cancel()
		close(p.done)
		if result == "" {
			result = "closed"
		}
		p.client.release(p, p.ch.dst, metrics.DirectionIn, result, time.Since(p.created))
	})
}
