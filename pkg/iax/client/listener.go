package client

import (
	"github.com/arzzra/iax_phone/pkg/iax/ie"
	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// ClientListener события клиента.
//
// Методы вызываются из горутин клиента вне внутренних блокировок,
// из обработчика можно вызывать методы Client и Call.
type ClientListener interface {
	// OnConnect завершена попытка регистрации
	OnConnect(success bool)
	// OnDisconnect клиент отключается от сервера
	OnDisconnect()
	// OnStateChanged изменилось состояние регистрации
	OnStateChanged(old, new string)
	// OnRetransmitError кадр клиента не подтвержден сервером
	OnRetransmitError(err error)
	// OnIncomingCall входящий вызов ждет решения (Accept или Decline)
	OnIncomingCall(call *PendingCall)
	// SupportsCodec может ли приложение работать с кодеком
	SupportsCodec(format media.Format) bool
	// PreferredCodec выбор кодека из предложенных; 0 оставляет выбор клиенту
	PreferredCodec(offered media.Format) media.Format
}

// CallListener события вызова
type CallListener interface {
	OnProceeding(call *Call)
	OnRinging(call *Call)
	OnAnswered(call *Call)
	OnBusy(call *Call)
	OnCongestion(call *Call)
	// OnHangup вызов завершен; cause причина от собеседника или локальная
	OnHangup(call *Call, cause ie.CauseCode, text string)
	OnRetransmitError(call *Call, err error)
}

// AudioListener получатель аудио вызова
type AudioListener interface {
	// OnAudioEnabled аудио стало активным или перестало
	OnAudioEnabled(enabled bool)
	// OnAudio закодированный кадр; формат выбранного кодека вызова
	OnAudio(data []byte, format media.Format)
}

// MessageListener необязательное расширение CallListener для DTMF и текста
type MessageListener interface {
	OnDTMF(call *Call, digit byte)
	OnText(call *Call, text string)
}

// NopClientListener пустая реализация ClientListener.
// Принимает любой кодек, входящие вызовы не принимаются и отклоняются по таймауту.
type NopClientListener struct{}

func (NopClientListener) OnConnect(bool)                           {}
func (NopClientListener) OnDisconnect()                            {}
func (NopClientListener) OnStateChanged(string, string)            {}
func (NopClientListener) OnRetransmitError(error)                  {}
func (NopClientListener) OnIncomingCall(*PendingCall)              {}
func (NopClientListener) SupportsCodec(media.Format) bool          { return true }
func (NopClientListener) PreferredCodec(media.Format) media.Format { return 0 }

// NopCallListener пустая реализация CallListener
type NopCallListener struct{}

func (NopCallListener) OnProceeding(*Call)                   {}
func (NopCallListener) OnRinging(*Call)                      {}
func (NopCallListener) OnAnswered(*Call)                     {}
func (NopCallListener) OnBusy(*Call)                         {}
func (NopCallListener) OnCongestion(*Call)                   {}
func (NopCallListener) OnHangup(*Call, ie.CauseCode, string) {}
func (NopCallListener) OnRetransmitError(*Call, error)       {}

// NopAudioListener пустая реализация AudioListener
type NopAudioListener struct{}

func (NopAudioListener) OnAudioEnabled(bool)          {}
func (NopAudioListener) OnAudio([]byte, media.Format) {}
