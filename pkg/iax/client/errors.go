package client

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity все номера вызовов заняты
	ErrCapacity = errors.New("iax: no free call numbers")
	// ErrNotConnected клиент не зарегистрирован на сервере
	ErrNotConnected = errors.New("iax: client is not registered")
	// ErrAlreadyConnected регистрация уже выполняется или выполнена
	ErrAlreadyConnected = errors.New("iax: client is already connected")
	// ErrCallClosed вызов уже завершен
	ErrCallClosed = errors.New("iax: call is closed")
	// ErrNotTransmittable кадр такого типа нельзя отправить
	ErrNotTransmittable = errors.New("iax: frame type cannot be transmitted")
	// ErrNotEstablished вызов еще не соединен
	ErrNotEstablished = errors.New("iax: call is not established")
	// ErrDecisionTimeout решение по входящему вызову не принято вовремя
	ErrDecisionTimeout = errors.New("iax: incoming call decision timed out")
	// ErrLoginTimeout сервер не ответил на регистрацию
	ErrLoginTimeout = errors.New("iax: registration timed out")
	// ErrRejected сервер отказал в регистрации
	ErrRejected = errors.New("iax: registration rejected")
	// ErrAuthFailed исчерпаны попытки аутентификации
	ErrAuthFailed = errors.New("iax: authentication failed")
	// ErrClosed клиент закрыт
	ErrClosed = errors.New("iax: client is closed")
)

// Category категория ошибки
type Category string

const (
	CategoryTransport  Category = "TRANSPORT"
	CategoryMalformed  Category = "MALFORMED"
	CategorySequencing Category = "SEQUENCING"
	CategoryAuth       Category = "AUTH"
	CategoryCapacity   Category = "CAPACITY"
	CategoryRetransmit Category = "RETRANSMIT"
)

// Error ошибка протокола с контекстом
type Error struct {
	Category   Category
	Op         string
	CallNumber uint16
	Err        error
}

func (e *Error) Error() string {
	if e.CallNumber != 0 {
		return fmt.Sprintf("[%s] %s (call %d): %v", e.Category, e.Op, e.CallNumber, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error { return e.Err }

func newError(cat Category, op string, callNo uint16, err error) *Error {
	return &Error{Category: cat, Op: op, CallNumber: callNo, Err: err}
}

// IsCategory проверяет категорию ошибки в цепочке
func IsCategory(err error, cat Category) bool {
	var e *Error
	return errors.As(err, &e) && e.Category == cat
}
