package client

import (
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/metrics"
	"github.com/arzzra/iax_phone/pkg/iax/reliable"
	"github.com/arzzra/iax_phone/pkg/iax/state"
	"github.com/arzzra/iax_phone/pkg/logger"
)

const (
	scopeClient = "client"
	scopeCall   = "call"
)

// channel одна сторона сеанса IAX2: номера вызовов, порядковые номера,
// часы и таблица кадров, ожидающих подтверждения.
// Не потокобезопасен, доступ защищает владелец (клиент или вызов).
type channel struct {
	src     uint16
	dst     uint16
	seq     reliable.Sequence
	pending *reliable.Tracker
	start   time.Time

	scope   string
	out     func([]byte) error
	log     logger.Logger
	metrics *metrics.Collector
}

func newChannel(src uint16, scope string, policy reliable.Policy, out func([]byte) error, log logger.Logger, m *metrics.Collector) *channel {
	return &channel{
		src:     src,
		pending: reliable.NewTracker(policy),
		start:   time.Now(),
		scope:   scope,
		out:     out,
		log:     log,
		metrics: m,
	}
}

// clock миллисекунды с начала сеанса
func (ch *channel) clock() uint32 {
	return uint32(time.Since(ch.start) / time.Millisecond)
}

func (ch *channel) resetClock() { ch.start = time.Now() }

// reset обнуляет порядковые номера и таблицу ожидания
func (ch *channel) reset() {
	ch.seq.Reset()
	ch.pending.Reset()
}

// send отправляет новый кадр с очередным oSeq
func (ch *channel) send(body frame.Body, requireAck bool, ts uint32) (*frame.FullFrame, error) {
	f := &frame.FullFrame{
		SrcCallNumber: ch.src,
		DstCallNumber: ch.dst,
		Timestamp:     ts,
		OSeq:          ch.seq.NextOut(),
		ISeq:          ch.seq.In(),
		Body:          body,
	}
	if requireAck {
		ch.pending.Track(f, time.Now())
	}
	return f, ch.write(f)
}

// sendEffect выполняет эффект Send в ответ на кадр in
func (ch *channel) sendEffect(s state.Send, in *frame.FullFrame) error {
	ts := ch.clock()
	if s.FixedTimestamp {
		ts = s.Timestamp
	}
	if s.Detached && in != nil {
		return ch.write(&frame.FullFrame{
			SrcCallNumber: ch.src,
			DstCallNumber: in.SrcCallNumber,
			Timestamp:     ts,
			OSeq:          in.ISeq,
			ISeq:          in.OSeq + 1,
			Body:          s.Body,
		})
	}
	_, err := ch.send(s.Body, s.RequireAck, ts)
	return err
}

// ack подтверждает кадр; собственный oSeq не расходуется
func (ch *channel) ack(in *frame.FullFrame) error {
	return ch.write(&frame.FullFrame{
		SrcCallNumber: ch.src,
		DstCallNumber: in.SrcCallNumber,
		Timestamp:     in.Timestamp,
		OSeq:          in.ISeq,
		ISeq:          in.OSeq + 1,
		Body:          &frame.IAX{Subclass: frame.IAXAck},
	})
}

// vnak просит повторить кадры, начиная с ожидаемого iSeq
func (ch *channel) vnak(in *frame.FullFrame) error {
	return ch.write(&frame.FullFrame{
		SrcCallNumber: ch.src,
		DstCallNumber: in.SrcCallNumber,
		Timestamp:     ch.clock(),
		OSeq:          ch.seq.Out(),
		ISeq:          ch.seq.In(),
		Body:          &frame.IAX{Subclass: frame.IAXVNAK},
	})
}

// admit проверяет порядок входящего кадра. true: кадр нужно обработать.
// Опережающий кадр вызывает VNAK, повторный подтверждается еще раз.
func (ch *channel) admit(in *frame.FullFrame, skipCheck bool) bool {
	if skipCheck {
		return true
	}
	verdict := ch.seq.Check(in.OSeq)
	switch verdict {
	case reliable.InOrder:
		ch.seq.Advance()
		return true
	case reliable.Ahead:
		ch.metrics.OutOfOrder(verdict.String())
		ch.log.Debug("frame ahead of sequence, sending VNAK",
			logger.Int("oseq", int(in.OSeq)), logger.Int("expected", int(ch.seq.In())))
		ch.logErr("vnak", ch.vnak(in))
	default:
		ch.metrics.OutOfOrder(verdict.String())
		ch.logErr("ack", ch.ack(in))
	}
	return false
}

// resendFrom повторяет кадры в ответ на VNAK
func (ch *channel) resendFrom(iseq uint8) {
	ch.retransmit(ch.pending.From(iseq, time.Now()))
}

// sweep повторяет просроченные кадры и возвращает число брошенных
func (ch *channel) sweep(now time.Time) int {
	resend, expired := ch.pending.Sweep(now)
	ch.retransmit(resend)
	if len(expired) > 0 {
		ch.metrics.RetransmitFailed(ch.scope, len(expired))
		for _, f := range expired {
			ch.log.Warn("frame not acknowledged, dropped", logger.String("frame", f.String()))
		}
	}
	return len(expired)
}

func (ch *channel) retransmit(frames []*frame.FullFrame) {
	if len(frames) == 0 {
		return
	}
	ch.metrics.Retransmitted(ch.scope, len(frames))
	for _, f := range frames {
		ch.logErr("retransmit", ch.write(f))
	}
}

// runCommon выполняет эффекты, одинаковые для всех владельцев.
// false если эффект должен выполнить владелец.
func (ch *channel) runCommon(e state.Effect, in *frame.FullFrame) bool {
	switch e := e.(type) {
	case state.Ack:
		ch.logErr("ack", ch.ack(in))
	case state.MarkResponded:
		ch.pending.Ack(e.ISeq)
	case state.Send:
		ch.logErr("send", ch.sendEffect(e, in))
	case state.ResetSequence:
		ch.reset()
	case state.Warn:
		ch.log.Warn(e.Message)
	default:
		return false
	}
	return true
}

func (ch *channel) write(f *frame.FullFrame) error {
	b, err := f.Marshal()
	if err != nil {
		return newError(CategoryMalformed, "marshal", ch.src, err)
	}
	typ, sub := frameLabels(f)
	ch.metrics.FrameSent(typ, sub)
	ch.log.Trace("frame sent", logger.String("frame", f.String()))
	if err := ch.out(b); err != nil {
		return newError(CategoryTransport, "send", ch.src, err)
	}
	return nil
}

// writeMini отправляет мини кадр
func (ch *channel) writeMini(ts uint16, data []byte) error {
	b, err := (&frame.MiniFrame{SrcCallNumber: ch.src, Timestamp: ts, Data: data}).Marshal()
	if err != nil {
		return newError(CategoryMalformed, "marshal", ch.src, err)
	}
	ch.metrics.FrameSent("MINI", "")
	if err := ch.out(b); err != nil {
		return newError(CategoryTransport, "send", ch.src, err)
	}
	return nil
}

func (ch *channel) logErr(op string, err error) {
	if err != nil {
		ch.log.Warn(op+" failed", logger.Err(err))
	}
}

// frameLabels тип и подкласс кадра для метрик
func frameLabels(f *frame.FullFrame) (string, string) {
	switch b := f.Body.(type) {
	case *frame.IAX:
		return f.Type().String(), b.Subclass.String()
	case *frame.Control:
		return f.Type().String(), b.Subclass.String()
	case *frame.Voice:
		return f.Type().String(), b.Format.String()
	}
	return f.Type().String(), ""
}
