package state

import (
	"github.com/arzzra/iax_phone/pkg/iax/frame"
	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// Outcome результат чистого перехода: событие для FSM и эффекты,
// которые владелец выполняет по порядку.
// Пустое Event означает, что состояние не меняется.
type Outcome struct {
	Event   string
	Effects []Effect
}

func (o *Outcome) add(e ...Effect) {
	o.Effects = append(o.Effects, e...)
}

// Effect действие, которое должен выполнить владелец состояния
type Effect interface {
	effect()
}

// Ack подтвердить обрабатываемый кадр: oSeq = iSeq кадра, iSeq = oSeq кадра + 1,
// временная метка кадра. Собственный oSeq не расходуется.
type Ack struct{}

// MarkResponded снять с ожидания кадры, подтвержденные iSeq собеседника
type MarkResponded struct {
	ISeq uint8
}

// Send отправить полный кадр
type Send struct {
	Body       frame.Body
	RequireAck bool
	// Timestamp используется вместо часов владельца, если FixedTimestamp
	Timestamp      uint32
	FixedTimestamp bool
	// Detached ответ вне последовательности владельца: номера берутся
	// из входящего кадра, в таблицу ожидания кадр не попадает.
	// Используется для ответа на кадры, адресованные номеру 0.
	Detached bool
}

// NotifyKind событие для слушателей вызова
type NotifyKind int

const (
	NotifyProceeding NotifyKind = iota
	NotifyRinging
	NotifyAnswered
	NotifyBusy
	NotifyCongestion
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyProceeding:
		return "proceeding"
	case NotifyRinging:
		return "ringing"
	case NotifyAnswered:
		return "answered"
	case NotifyBusy:
		return "busy"
	case NotifyCongestion:
		return "congestion"
	}
	return "unknown"
}

// Notify уведомить слушателей вызова
type Notify struct {
	Kind NotifyKind
}

// RemoteStop собеседник завершил вызов
type RemoteStop struct {
	Cause     ie.CauseCode
	CauseText string
}

// Audio принятый голосовой кадр: включить аудио, запомнить кодек, передать данные
type Audio struct {
	Format media.Format
	Data   []byte
}

// SelectCodec собеседник выбрал кодек (FORMAT в ACCEPT)
type SelectCodec struct {
	Format media.Format
}

// DTMF принятая клавиша
type DTMF struct {
	Digit byte
}

// Text принятое текстовое сообщение
type Text struct {
	Text string
}

// Lag измеренная задержка в миллисекундах по LAGRP
type Lag struct {
	Millis uint32
}

// Pong получен ответ на PING/POKE
type Pong struct{}

// IncAuth увеличить счетчик попыток аутентификации
type IncAuth struct{}

// LearnPeer запомнить номер вызова сервера
type LearnPeer struct {
	CallNumber uint16
}

// StoreRegistration сохранить параметры регистрации из REGACK
type StoreRegistration struct {
	Elements ie.Set
}

// ResetRejections обнулить счетчик отказов в регистрации
type ResetRejections struct{}

// ResetSequence обнулить oSeq/iSeq владельца
type ResetSequence struct{}

// Declined собеседник отменил входящий вызов до решения
type Declined struct{}

// Warn сообщение для журнала
type Warn struct {
	Message string
}

func (Ack) effect()               {}
func (MarkResponded) effect()     {}
func (Send) effect()              {}
func (Notify) effect()            {}
func (RemoteStop) effect()        {}
func (Audio) effect()             {}
func (SelectCodec) effect()       {}
func (DTMF) effect()              {}
func (Text) effect()              {}
func (Lag) effect()               {}
func (Pong) effect()              {}
func (IncAuth) effect()           {}
func (LearnPeer) effect()         {}
func (StoreRegistration) effect() {}
func (ResetRejections) effect()   {}
func (ResetSequence) effect()     {}
func (Declined) effect()          {}
func (Warn) effect()              {}
