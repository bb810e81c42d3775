package state

import (
	"fmt"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
)

// CallContext данные владельца, нужные переходам вызова
type CallContext struct {
	Username string
	Password string
	// AuthTries сколько AUTHREQ уже обработано
	AuthTries int
	// MaxAuthTries предел попыток, 0 означает MaxAuthTries пакета
	MaxAuthTries int
	// Clock текущее значение часов вызова в миллисекундах
	Clock uint32
}

// Call переход исходящего (или принятого входящего) вызова по полному кадру.
// Кадр уже прошел проверку порядка.
func Call(cur string, f *frame.FullFrame, c CallContext) Outcome {
	var out Outcome
	switch cur {
	case CallWaiting:
		if waiting(&out, f, c) {
			return out
		}
	case CallLinked:
		if linked(&out, f) || mediaFrames(&out, f) {
			return out
		}
	case CallUp:
		if refused(&out, f) || mediaFrames(&out, f) {
			return out
		}
	}
	common(&out, cur, f, c.Clock, true)
	return out
}

func waiting(out *Outcome, f *frame.FullFrame, c CallContext) bool {
	body, ok := f.IAX()
	if !ok {
		return false
	}
	els := body.Elements()
	switch body.Subclass {
	case frame.IAXAccept:
		out.Event = EventAccept
		out.add(MarkResponded{ISeq: f.ISeq})
		if format, ok := els.Formats(ie.TagFormat); ok && format.IsAudio() {
			out.add(SelectCodec{Format: format})
		}
		out.add(Ack{})
		return true

	case frame.IAXAuthReq:
		out.add(MarkResponded{ISeq: f.ISeq})
		if c.AuthTries >= authLimit(c.MaxAuthTries) {
			out.Event = EventRevert
			out.add(Warn{Message: "call authentication failed, check credentials"})
			return true
		}
		reply := ie.List{ie.Username(c.Username)}
		if challenge, ok := els.Text(ie.TagChallenge); ok {
			reply = append(reply, ie.MD5Result(ie.MD5Response(challenge, c.Password)))
		} else {
			out.add(Warn{Message: "AUTHREQ without challenge"})
		}
		out.add(IncAuth{}, Send{Body: &frame.IAX{Subclass: frame.IAXAuthRep, IEs: reply}, RequireAck: true})
		return true

	case frame.IAXReject:
		out.Event = EventRevert
		cause, text := causeOf(els)
		out.add(
			MarkResponded{ISeq: f.ISeq},
			RemoteStop{Cause: cause, CauseText: text},
			Warn{Message: fmt.Sprintf("call rejected: %s %s", cause, text)},
			Ack{},
		)
		return true
	}
	return false
}

func linked(out *Outcome, f *frame.FullFrame) bool {
	if refused(out, f) {
		return true
	}
	ctl, ok := f.Control()
	if !ok {
		return false
	}
	switch ctl.Subclass {
	case frame.ControlAnswer:
		out.Event = EventAnswer
		out.add(Notify{Kind: NotifyAnswered})
	case frame.ControlProceeding:
		out.add(Notify{Kind: NotifyProceeding})
	case frame.ControlRinging:
		out.add(Notify{Kind: NotifyRinging})
	default:
		return false
	}
	out.add(Ack{})
	return true
}

// refused BUSY и CONGESTION в Linked и Up возвращают вызов в Initial
func refused(out *Outcome, f *frame.FullFrame) bool {
	ctl, ok := f.Control()
	if !ok {
		return false
	}
	switch ctl.Subclass {
	case frame.ControlBusy:
		out.add(Notify{Kind: NotifyBusy})
	case frame.ControlCongestion:
		out.add(Notify{Kind: NotifyCongestion})
	default:
		return false
	}
	out.Event = EventRevert
	out.add(Ack{})
	return true
}

// mediaFrames кадры, которые несут данные разговора в Linked и Up
func mediaFrames(out *Outcome, f *frame.FullFrame) bool {
	switch b := f.Body.(type) {
	case *frame.Voice:
		out.add(Audio{Format: b.Format, Data: b.Data}, Ack{})
	case *frame.DTMF:
		out.add(DTMF{Digit: b.Digit}, Ack{})
	case *frame.Text:
		out.add(Text{Text: b.Text}, Ack{})
	default:
		return false
	}
	return true
}

// common реакции, одинаковые для всех состояний. call=false для области клиента.
func common(out *Outcome, cur string, f *frame.FullFrame, clock uint32, call bool) {
	body, ok := f.IAX()
	if !ok {
		out.add(Warn{Message: fmt.Sprintf("state %s did not handle %s", cur, f)}, Ack{})
		return
	}
	detached := f.DstCallNumber == 0
	switch body.Subclass {
	case frame.IAXAck:
		// подтверждение уже учтено при проверке порядка
	case frame.IAXAccept, frame.IAXRegAck:
		out.add(Ack{})
	case frame.IAXHangup:
		if call {
			cause, text := causeOf(body.Elements())
			out.Event = revertFrom(cur)
			out.add(RemoteStop{Cause: cause, CauseText: text})
		}
		out.add(Ack{})
	case frame.IAXInval:
		if call {
			out.Event = revertFrom(cur)
			out.add(RemoteStop{Cause: ie.CauseNormalUnspecified, CauseText: "invalid call"})
		}
	case frame.IAXLagRp:
		out.add(MarkResponded{ISeq: f.ISeq}, Lag{Millis: clock - f.Timestamp}, Ack{})
	case frame.IAXLagRq:
		out.add(Send{
			Body:           &frame.IAX{Subclass: frame.IAXLagRp},
			RequireAck:     !detached,
			Timestamp:      f.Timestamp,
			FixedTimestamp: true,
			Detached:       detached,
		})
	case frame.IAXPing, frame.IAXPoke:
		out.add(Send{
			Body:           &frame.IAX{Subclass: frame.IAXPong},
			RequireAck:     !detached,
			Timestamp:      f.Timestamp,
			FixedTimestamp: true,
			Detached:       detached,
		})
	case frame.IAXPong:
		out.add(MarkResponded{ISeq: f.ISeq}, Pong{}, Ack{})
	default:
		out.add(Warn{Message: fmt.Sprintf("state %s did not handle %s", cur, f)}, Ack{})
	}
}

func authLimit(n int) int {
	if n <= 0 {
		return MaxAuthTries
	}
	return n
}

func revertFrom(cur string) string {
	if cur == CallInitial {
		return ""
	}
	return EventRevert
}

func causeOf(s ie.Set) (ie.CauseCode, string) {
	code, ok := s.CauseCode()
	if !ok {
		code = ie.CauseServiceOrOptionNotAvailable
	}
	text, _ := s.Text(ie.TagCause)
	return code, text
}
