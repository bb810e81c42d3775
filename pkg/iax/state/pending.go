package state

import "github.com/arzzra/iax_phone/pkg/iax/frame"

// Pending переход входящего вызова, ожидающего локального решения.
//
// В RINGING отбой собеседника отменяет вызов: решение больше не ждется.
// После отправки REJECT или HANGUP ожидаются только подтверждения,
// остальные кадры получают общие реакции без завершения вызова.
func Pending(cur string, f *frame.FullFrame, clock uint32) Outcome {
	var out Outcome
	if f.IsIAX(frame.IAXHangup) {
		if cur == PendingRinging {
			out.Event = EventCancel
			out.add(Declined{})
		}
		out.add(Ack{})
		return out
	}
	common(&out, cur, f, clock, false)
	return out
}
