// Package reliable реализует надежность поверх UDP для IAX2:
// учет порядковых номеров oSeq/iSeq и повторную передачу кадров,
// требующих подтверждения.
package reliable

// Verdict результат проверки порядка входящего полного кадра
type Verdict int

const (
	// InOrder кадр ожидаемый, его нужно обработать
	InOrder Verdict = iota
	// Ahead кадр опережает ожидаемый: часть кадров потеряна, нужен VNAK
	Ahead
	// Duplicate кадр уже был обработан, нужно повторно подтвердить
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in-order"
	case Ahead:
		return "ahead"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Sequence пара счетчиков oSeq/iSeq одного владельца (клиент или вызов).
//
// Счетчики считаются по модулю 256. Сравнение использует правило
// "ожидаемого следующего": разность трактуется как знаковое 8-битное число,
// поэтому переход 255 -> 0 не ломает порядок.
//
// Sequence не потокобезопасен, доступ защищает владелец.
type Sequence struct {
	out uint8
	in  uint8
}

// Out текущий исходящий номер (номер следующего отправляемого кадра)
func (s *Sequence) Out() uint8 { return s.out }

// In ожидаемый номер следующего входящего кадра
func (s *Sequence) In() uint8 { return s.in }

// NextOut возвращает номер для нового кадра и увеличивает счетчик
func (s *Sequence) NextOut() uint8 {
	n := s.out
	s.out++
	return n
}

// Check сравнивает oSeq входящего кадра с ожидаемым номером
func (s *Sequence) Check(oseq uint8) Verdict {
	switch d := int8(oseq - s.in); {
	case d == 0:
		return InOrder
	case d > 0:
		return Ahead
	default:
		return Duplicate
	}
}

// Advance отмечает входящий кадр обработанным
func (s *Sequence) Advance() { s.in++ }

// Reset обнуляет оба счетчика
func (s *Sequence) Reset() {
	s.out = 0
	s.in = 0
}

// Precedes сообщает, предшествует ли a номеру b в окне модуля 256
func Precedes(a, b uint8) bool {
	return int8(b-a) > 0
}
