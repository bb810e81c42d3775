package reliable

import (
	"sort"
	"sync"
	"time"

	"github.com/arzzra/iax_phone/pkg/iax/frame"
)

// Значения по умолчанию для повторной передачи
const (
	DefaultRetransmitInterval = 1 * time.Second
	DefaultMaxRetries         = 4
	DefaultMaxAge             = 10 * time.Second
)

// Policy параметры повторной передачи.
// Первая повторная отправка происходит через 2*Interval, следующие через Interval.
type Policy struct {
	Interval   time.Duration
	MaxRetries int
	MaxAge     time.Duration
}

// DefaultPolicy возвращает параметры по умолчанию
func DefaultPolicy() Policy {
	return Policy{
		Interval:   DefaultRetransmitInterval,
		MaxRetries: DefaultMaxRetries,
		MaxAge:     DefaultMaxAge,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultRetransmitInterval
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.MaxAge <= 0 {
		p.MaxAge = DefaultMaxAge
	}
	return p
}

// Entry кадр, ожидающий подтверждения
type Entry struct {
	Frame     *frame.FullFrame
	Retries   int
	Generated time.Time
	NextRetry time.Time
}

// Tracker таблица кадров, ожидающих подтверждения, с ключом по oSeq.
// Принадлежит одному владельцу (клиенту или вызову).
type Tracker struct {
	mu      sync.Mutex
	policy  Policy
	entries map[uint8]*Entry
}

// NewTracker создает таблицу с заданными параметрами
func NewTracker(p Policy) *Tracker {
	return &Tracker{
		policy:  p.withDefaults(),
		entries: make(map[uint8]*Entry),
	}
}

// Track ставит отправленный кадр на ожидание подтверждения
func (t *Tracker) Track(f *frame.FullFrame, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[f.OSeq] = &Entry{
		Frame:     f,
		Generated: now,
		NextRetry: now.Add(2 * t.policy.Interval),
	}
}

// Ack снимает с ожидания все кадры, которые подтверждает iSeq собеседника.
//
// iSeq собеседника равен номеру следующего кадра, который он ожидает,
// поэтому последним подтвержденным считается iSeq-1, а вместе с ним и
// все предшествующие ему кадры. Возвращает число снятых кадров.
func (t *Tracker) Ack(iseq uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	last := iseq - 1
	removed := 0
	for seq := range t.entries {
		if seq == last || Precedes(seq, last) {
			delete(t.entries, seq)
			removed++
		}
	}
	return removed
}

// Sweep обрабатывает таблицу в момент now.
//
// Кадры, время повтора которых наступило, получают увеличенный счетчик
// и возвращаются в resend с флагом повторной передачи. Кадры, превысившие
// число повторов или возраст, удаляются и возвращаются в expired ровно один раз.
func (t *Tracker) Sweep(now time.Time) (resend, expired []*frame.FullFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seq := range t.sortedKeys() {
		e := t.entries[seq]
		if now.Before(e.NextRetry) {
			continue
		}
		e.Retries++
		if e.Retries > t.policy.MaxRetries || now.Sub(e.Generated) > t.policy.MaxAge {
			delete(t.entries, seq)
			expired = append(expired, e.Frame)
			continue
		}
		e.NextRetry = now.Add(t.policy.Interval)
		resend = append(resend, e.Frame.WithRetransmit())
	}
	return resend, expired
}

// From возвращает кадры начиная с seq (в порядке отправки) для ответа на VNAK
func (t *Tracker) From(seq uint8, now time.Time) []*frame.FullFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*frame.FullFrame
	for _, k := range t.sortedKeys() {
		if k == seq || Precedes(seq, k) {
			e := t.entries[k]
			e.NextRetry = now.Add(t.policy.Interval)
			out = append(out, e.Frame.WithRetransmit())
		}
	}
	return out
}

// Get возвращает копию записи по oSeq
func (t *Tracker) Get(seq uint8) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[seq]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len число ожидающих кадров
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset очищает таблицу
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint8]*Entry)
}

// Transfer переносит все записи в другую таблицу (при повышении входящего вызова)
func (t *Tracker) Transfer(dst *Tracker) {
	t.mu.Lock()
	moved := t.entries
	t.entries = make(map[uint8]*Entry)
	t.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	for k, e := range moved {
		dst.entries[k] = e
	}
}

// sortedKeys ключи в порядке отправки; вызывается под мьютексом
func (t *Tracker) sortedKeys() []uint8 {
	keys := make([]uint8, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return Precedes(keys[i], keys[j]) })
	return keys
}
