// Package state содержит конечные автоматы IAX2: исходящий вызов,
// входящий (ожидающий решения) вызов и регистрацию клиента.
//
// Переходы реализованы чистыми функциями Call, Pending и Client: по текущему
// состоянию, кадру и контексту они возвращают Outcome с именем события и
// списком эффектов. Владелец применяет событие к FSM (looplab/fsm), затем
// выполняет эффекты. Сами функции ничего не отправляют и не блокируются.
package state

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Состояния исходящего вызова
const (
	CallInitial = "initial"
	CallWaiting = "waiting"
	CallLinked  = "linked"
	CallUp      = "up"
)

// События исходящего вызова
const (
	EventStart  = "start"
	EventAccept = "accept"
	EventAnswer = "answer"
	EventRevert = "revert"
)

// Состояния входящего вызова до принятия решения
const (
	PendingNew        = "new"
	PendingRinging    = "ringing"
	PendingRejectSent = "reject_sent"
	PendingHangupSent = "hangup_sent"
	PendingCancelled  = "cancelled"
	PendingAnswered   = "answered"
)

// События входящего вызова
const (
	EventRing   = "ring"
	EventReject = "reject"
	EventHangup = "hangup"
	EventCancel = "cancel"
	// EventAnswer общий с исходящим вызовом
)

// Состояния регистрации клиента
const (
	ClientUnregistered = "unregistered"
	ClientRegSent      = "reg_sent"
	ClientRegistered   = "registered"
	ClientRejected     = "rejected"
	ClientNoAuth       = "no_auth"
	ClientReleasing    = "releasing"
)

// События регистрации клиента
const (
	EventRegister = "register"
	EventRegAck   = "regack"
	EventRegRej   = "regrej"
	EventNoAuth   = "noauth"
	EventRelease  = "release"
	EventReleased = "released"
	EventDrop     = "drop"
)

// MaxAuthTries число ответов на AUTHREQ/REGAUTH, после которого попытки прекращаются
const MaxAuthTries = 10

// NewCallFSM создает автомат исходящего вызова.
// Принятый входящий вызов создается сразу в состоянии CallUp.
func NewCallFSM(initial string, cb fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventStart, Src: []string{CallInitial}, Dst: CallWaiting},
			{Name: EventAccept, Src: []string{CallWaiting}, Dst: CallLinked},
			{Name: EventAnswer, Src: []string{CallLinked}, Dst: CallUp},
			{Name: EventRevert, Src: []string{CallWaiting, CallLinked, CallUp}, Dst: CallInitial},
		},
		cb,
	)
}

// NewPendingFSM создает автомат входящего вызова
func NewPendingFSM(cb fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		PendingNew,
		fsm.Events{
			{Name: EventRing, Src: []string{PendingNew}, Dst: PendingRinging},
			{Name: EventReject, Src: []string{PendingNew}, Dst: PendingRejectSent},
			{Name: EventHangup, Src: []string{PendingRinging}, Dst: PendingHangupSent},
			{Name: EventCancel, Src: []string{PendingRinging}, Dst: PendingCancelled},
			{Name: EventAnswer, Src: []string{PendingRinging}, Dst: PendingAnswered},
		},
		cb,
	)
}

// NewClientFSM создает автомат регистрации клиента
func NewClientFSM(cb fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(
		ClientUnregistered,
		fsm.Events{
			{Name: EventRegister, Src: []string{ClientUnregistered, ClientRegistered, ClientRejected}, Dst: ClientRegSent},
			{Name: EventRegAck, Src: []string{ClientRegSent, ClientRejected}, Dst: ClientRegistered},
			{Name: EventRegRej, Src: []string{ClientRegSent}, Dst: ClientRejected},
			{Name: EventNoAuth, Src: []string{ClientRegSent}, Dst: ClientNoAuth},
			{Name: EventRelease, Src: []string{ClientRegSent, ClientRegistered, ClientRejected, ClientNoAuth}, Dst: ClientReleasing},
			{Name: EventReleased, Src: []string{ClientReleasing}, Dst: ClientUnregistered},
			{Name: EventDrop, Src: []string{ClientRegSent, ClientRegistered, ClientRejected, ClientNoAuth, ClientReleasing}, Dst: ClientUnregistered},
		},
		cb,
	)
}

// Apply применяет событие к автомату. Пустое событие и переход в то же
// состояние ошибкой не считаются.
func Apply(ctx context.Context, m *fsm.FSM, event string) error {
	if event == "" {
		return nil
	}
	err := m.Event(ctx, event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// IsTerminalRegistration сообщает, завершает ли состояние попытку регистрации
func IsTerminalRegistration(s string) bool {
	switch s {
	case ClientRegistered, ClientRejected, ClientNoAuth:
		return true
	}
	return false
}
