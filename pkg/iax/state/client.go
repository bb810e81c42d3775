package state

import (
	"fmt"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
)

// ClientContext данные клиента, нужные переходам регистрации
type ClientContext struct {
	Username string
	Password string
	// Refresh запрашиваемый интервал регистрации в секундах
	Refresh uint16
	// AuthTries сколько REGAUTH уже обработано в текущей попытке
	AuthTries    int
	MaxAuthTries int
	// ReleaseTimestamp временная метка отправленного REGREL
	ReleaseTimestamp uint32
	Clock            uint32
}

// Client переход регистрации по полному кадру, адресованному клиенту.
// ACK передается сюда после снятия подтвержденных кадров с ожидания,
// чтобы состояние Releasing могло завершиться.
func Client(cur string, f *frame.FullFrame, c ClientContext) Outcome {
	var out Outcome
	switch cur {
	case ClientRegSent:
		if regSent(&out, f, c) {
			return out
		}
	case ClientRejected:
		if rejected(&out, f, c) {
			return out
		}
	case ClientReleasing:
		if releasing(&out, f, c) {
			return out
		}
	}
	common(&out, cur, f, c.Clock, false)
	return out
}

func regSent(out *Outcome, f *frame.FullFrame, c ClientContext) bool {
	body, ok := f.IAX()
	if !ok {
		return false
	}
	switch body.Subclass {
	case frame.IAXRegAck:
		out.Event = EventRegAck
		regAck(out, f, body)
	case frame.IAXRegAuth:
		out.add(LearnPeer{CallNumber: f.SrcCallNumber}, MarkResponded{ISeq: f.ISeq})
		if c.AuthTries >= authLimit(c.MaxAuthTries) {
			out.Event = EventNoAuth
			out.add(Warn{Message: "registration authentication failed, check credentials"})
			return true
		}
		out.add(IncAuth{}, regReply(out, frame.IAXRegReq, body, c))
	case frame.IAXRegRej:
		out.Event = EventRegRej
		regRej(out, f, body)
	default:
		return false
	}
	return true
}

func rejected(out *Outcome, f *frame.FullFrame, c ClientContext) bool {
	body, ok := f.IAX()
	if !ok {
		return false
	}
	switch body.Subclass {
	case frame.IAXRegAck:
		out.Event = EventRegAck
		regAck(out, f, body)
		out.add(ResetRejections{})
	case frame.IAXRegAuth:
		out.add(LearnPeer{CallNumber: f.SrcCallNumber}, MarkResponded{ISeq: f.ISeq})
		out.add(regReply(out, frame.IAXRegReq, body, c))
	case frame.IAXRegRej:
		regRej(out, f, body)
	default:
		return false
	}
	return true
}

func releasing(out *Outcome, f *frame.FullFrame, c ClientContext) bool {
	body, ok := f.IAX()
	if !ok {
		return false
	}
	switch body.Subclass {
	case frame.IAXAck:
		if f.Timestamp == c.ReleaseTimestamp {
			out.Event = EventReleased
			out.add(ResetSequence{})
		}
	case frame.IAXRegAck:
		out.Event = EventReleased
		out.add(MarkResponded{ISeq: f.ISeq}, Ack{}, ResetSequence{})
	case frame.IAXRegAuth:
		out.add(MarkResponded{ISeq: f.ISeq})
		send := regReply(out, frame.IAXRegRel, body, c, ie.Code(ie.CauseNormalUnspecified))
		send.Timestamp = c.ReleaseTimestamp
		send.FixedTimestamp = true
		out.add(send)
	default:
		return false
	}
	return true
}

func regAck(out *Outcome, f *frame.FullFrame, body *frame.IAX) {
	out.add(
		LearnPeer{CallNumber: f.SrcCallNumber},
		MarkResponded{ISeq: f.ISeq},
		StoreRegistration{Elements: body.Elements()},
		Ack{},
	)
}

func regRej(out *Outcome, f *frame.FullFrame, body *frame.IAX) {
	cause, text := causeOf(body.Elements())
	out.add(
		LearnPeer{CallNumber: f.SrcCallNumber},
		MarkResponded{ISeq: f.ISeq},
		Warn{Message: fmt.Sprintf("registration rejected: %s %s", cause, text)},
		Ack{},
	)
}

// regReply ответ на REGAUTH: имя, интервал и MD5 от вызова сервера
func regReply(out *Outcome, sub frame.IAXSubclass, auth *frame.IAX, c ClientContext, extra ...ie.IE) Send {
	reply := append(ie.List{ie.Username(c.Username), ie.Refresh(c.Refresh)}, extra...)
	if methods, ok := auth.Elements().AuthMethods(); ok && methods&ie.AuthMD5 == 0 {
		out.add(Warn{Message: fmt.Sprintf("server offers %s, only MD5 is supported", methods)})
	}
	if challenge, ok := auth.Elements().Text(ie.TagChallenge); ok {
		reply = append(reply, ie.MD5Result(ie.MD5Response(challenge, c.Password)))
	} else {
		out.add(Warn{Message: "REGAUTH without challenge"})
	}
	return Send{Body: &frame.IAX{Subclass: sub, IEs: reply}, RequireAck: true}
}
