package frame

import "fmt"

// IAXSubclass подкласс сигнального кадра (тип IAX)
type IAXSubclass uint8

const (
	IAXNew       IAXSubclass = 0x01
	IAXPing      IAXSubclass = 0x02
	IAXPong      IAXSubclass = 0x03
	IAXAck       IAXSubclass = 0x04
	IAXHangup    IAXSubclass = 0x05
	IAXReject    IAXSubclass = 0x06
	IAXAccept    IAXSubclass = 0x07
	IAXAuthReq   IAXSubclass = 0x08
	IAXAuthRep   IAXSubclass = 0x09
	IAXInval     IAXSubclass = 0x0a
	IAXLagRq     IAXSubclass = 0x0b
	IAXLagRp     IAXSubclass = 0x0c
	IAXRegReq    IAXSubclass = 0x0d
	IAXRegAuth   IAXSubclass = 0x0e
	IAXRegAck    IAXSubclass = 0x0f
	IAXRegRej    IAXSubclass = 0x10
	IAXRegRel    IAXSubclass = 0x11
	IAXVNAK      IAXSubclass = 0x12
	IAXDPReq     IAXSubclass = 0x13
	IAXDPRep     IAXSubclass = 0x14
	IAXDial      IAXSubclass = 0x15
	IAXTxReq     IAXSubclass = 0x16
	IAXTxCnt     IAXSubclass = 0x17
	IAXTxAcc     IAXSubclass = 0x18
	IAXTxReady   IAXSubclass = 0x19
	IAXTxRel     IAXSubclass = 0x1a
	IAXTxRej     IAXSubclass = 0x1b
	IAXQuelch    IAXSubclass = 0x1c
	IAXUnquelch  IAXSubclass = 0x1d
	IAXPoke      IAXSubclass = 0x1e
	IAXMWI       IAXSubclass = 0x20
	IAXUnsupport IAXSubclass = 0x21
	IAXTransfer  IAXSubclass = 0x22
)

var iaxSubclassNames = map[IAXSubclass]string{
	IAXNew: "NEW", IAXPing: "PING", IAXPong: "PONG", IAXAck: "ACK",
	IAXHangup: "HANGUP", IAXReject: "REJECT", IAXAccept: "ACCEPT",
	IAXAuthReq: "AUTHREQ", IAXAuthRep: "AUTHREP", IAXInval: "INVAL",
	IAXLagRq: "LAGRQ", IAXLagRp: "LAGRP", IAXRegReq: "REGREQ",
	IAXRegAuth: "REGAUTH", IAXRegAck: "REGACK", IAXRegRej: "REGREJ",
	IAXRegRel: "REGREL", IAXVNAK: "VNAK", IAXDPReq: "DPREQ",
	IAXDPRep: "DPREP", IAXDial: "DIAL", IAXTxReq: "TXREQ", IAXTxCnt: "TXCNT",
	IAXTxAcc: "TXACC", IAXTxReady: "TXREADY", IAXTxRel: "TXREL",
	IAXTxRej: "TXREJ", IAXQuelch: "QUELCH", IAXUnquelch: "UNQUELCH",
	IAXPoke: "POKE", IAXMWI: "MWI", IAXUnsupport: "UNSUPPORT", IAXTransfer: "TRANSFER",
}

func (s IAXSubclass) String() string {
	if name, ok := iaxSubclassNames[s]; ok {
		return name
	}
	return fmt.Sprintf("IAX(0x%02x)", uint8(s))
}

// Known сообщает, известен ли подкласс протоколу
func (s IAXSubclass) Known() bool {
	_, ok := iaxSubclassNames[s]
	return ok
}

// SkipsOrderCheck возвращает true для сообщений, которые обрабатываются
// вне проверки порядковых номеров
func (s IAXSubclass) SkipsOrderCheck() bool {
	switch s {
	case IAXInval, IAXTxAcc, IAXTxCnt, IAXVNAK:
		return true
	}
	return false
}

// ControlSubclass подкласс управляющего кадра сессии
type ControlSubclass uint8

const (
	ControlHangup     ControlSubclass = 0x01
	ControlRinging    ControlSubclass = 0x03
	ControlAnswer     ControlSubclass = 0x04
	ControlBusy       ControlSubclass = 0x05
	ControlCongestion ControlSubclass = 0x08
	ControlFlashHook  ControlSubclass = 0x09
	ControlOption     ControlSubclass = 0x0b
	ControlKeyRadio   ControlSubclass = 0x0c
	ControlUnkeyRadio ControlSubclass = 0x0d
	ControlProgress   ControlSubclass = 0x0e
	ControlProceeding ControlSubclass = 0x0f
	ControlHold       ControlSubclass = 0x10
	ControlUnhold     ControlSubclass = 0x11
)

var controlSubclassNames = map[ControlSubclass]string{
	ControlHangup:     "HANGUP",
	ControlRinging:    "RINGING",
	ControlAnswer:     "ANSWER",
	ControlBusy:       "BUSY",
	ControlCongestion: "CONGESTION",
	ControlFlashHook:  "FLASH_HOOK",
	ControlOption:     "OPTION",
	ControlKeyRadio:   "KEY_RADIO",
	ControlUnkeyRadio: "UNKEY_RADIO",
	ControlProgress:   "PROGRESS",
	ControlProceeding: "PROCEEDING",
	ControlHold:       "HOLD",
	ControlUnhold:     "UNHOLD",
}

func (s ControlSubclass) String() string {
	if name, ok := controlSubclassNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CONTROL(0x%02x)", uint8(s))
}

// HTMLSubclass подкласс HTML кадра
type HTMLSubclass uint8

const (
	HTMLURL        HTMLSubclass = 0x01
	HTMLData       HTMLSubclass = 0x02
	HTMLBegin      HTMLSubclass = 0x04
	HTMLEnd        HTMLSubclass = 0x08
	HTMLLoadDone   HTMLSubclass = 0x10
	HTMLUnlink     HTMLSubclass = 0x11
	HTMLLinkReject HTMLSubclass = 0x12
	HTMLLinkURL    HTMLSubclass = 0x14
)
