package bridge

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/arzzra/iax_phone/pkg/iax/media"
)

// DefaultDynamicPayloadType тип нагрузки для форматов без статического номера
const DefaultDynamicPayloadType uint8 = 96

// rtpClockRate частота RTP часов; для G722 она исторически 8000 Гц
const rtpClockRate = 8000

// payloadFormat описание формата в RTP (RFC 3551)
type payloadFormat struct {
	name   string
	static bool
	pt     uint8
}

var payloadFormats = map[media.Format]payloadFormat{
	media.ULAW:  {name: "PCMU", static: true, pt: 0},
	media.GSM:   {name: "GSM", static: true, pt: 3},
	media.G7231: {name: "G723", static: true, pt: 4},
	media.ADPCM: {name: "DVI4", static: true, pt: 5},
	media.LPC10: {name: "LPC", static: true, pt: 7},
	media.ALAW:  {name: "PCMA", static: true, pt: 8},
	media.G722:  {name: "G722", static: true, pt: 9},
	media.G729:  {name: "G729", static: true, pt: 18},
	media.SLIN:  {name: "L16"},
	media.G726:  {name: "G726-32"},
	media.SPEEX: {name: "speex"},
	media.ILBC:  {name: "iLBC"},
	media.AMR:   {name: "AMR"},
}

// PayloadType номер типа нагрузки и имя кодировки для формата.
// Форматы без статического номера получают dynamic.
func PayloadType(f media.Format, dynamic uint8) (uint8, string, bool) {
	p, ok := payloadFormats[f]
	if !ok {
		return 0, "", false
	}
	if !p.static {
		return dynamic, p.name, true
	}
	return p.pt, p.name, true
}

// samples число тактов RTP часов в кадре
func samples(f media.Format, data []byte, ptime time.Duration) uint32 {
	switch f {
	case media.ULAW, media.ALAW, media.G722:
		return uint32(len(data))
	case media.SLIN:
		return uint32(len(data) / 2)
	case media.GSM:
		return uint32(len(data) / 33 * 160)
	case media.G729:
		return uint32(len(data) * 8)
	}
	return uint32(int64(rtpClockRate) * int64(ptime) / int64(time.Second))
}

// payloader для формата: G.711 можно резать по MTU, остальные кадры неделимы
func payloader(f media.Format) rtp.Payloader {
	if f == media.ULAW || f == media.ALAW {
		return &codecs.G711Payloader{}
	}
	return wholeFrame{}
}

type wholeFrame struct{}

func (wholeFrame) Payload(_ uint16, payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	return [][]byte{append([]byte(nil), payload...)}
}
