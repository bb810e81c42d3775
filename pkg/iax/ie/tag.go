package ie

import "fmt"

// Tag числовой тип информационного элемента
type Tag uint8

const (
	TagCalledNumber  Tag = 0x01
	TagCallingNumber Tag = 0x02
	TagCallingANI    Tag = 0x03
	TagCallingName   Tag = 0x04
	TagCalledContext Tag = 0x05
	TagUsername      Tag = 0x06
	TagPassword      Tag = 0x07
	TagCapability    Tag = 0x08
	TagFormat        Tag = 0x09
	TagLanguage      Tag = 0x0a
	TagVersion       Tag = 0x0b
	TagADSICPE       Tag = 0x0c
	TagDNID          Tag = 0x0d
	TagAuthMethods   Tag = 0x0e
	TagChallenge     Tag = 0x0f
	TagMD5Result     Tag = 0x10
	TagRSAResult     Tag = 0x11
	TagApparentAddr  Tag = 0x12
	TagRefresh       Tag = 0x13
	TagDPStatus      Tag = 0x14
	TagCallNo        Tag = 0x15
	TagCause         Tag = 0x16
	TagIAXUnknown    Tag = 0x17
	TagMsgCount      Tag = 0x18
	TagAutoAnswer    Tag = 0x19
	TagMusicOnHold   Tag = 0x1a
	TagTransferID    Tag = 0x1b
	TagRDNIS         Tag = 0x1c
	TagDateTime      Tag = 0x1f
	TagCallingPres   Tag = 0x26
	TagCallingTON    Tag = 0x27
	TagCallingTNS    Tag = 0x28
	TagSamplingRate  Tag = 0x29
	TagCauseCode     Tag = 0x2a
	TagEncryption    Tag = 0x2b
	TagEncKey        Tag = 0x2c
	TagCodecPrefs    Tag = 0x2d
	TagRRJitter      Tag = 0x2e
	TagRRLoss        Tag = 0x2f
	TagRRPkts        Tag = 0x30
	TagRRDelay       Tag = 0x31
	TagRRDropped     Tag = 0x32
	TagRROOO         Tag = 0x33
	TagOSPToken      Tag = 0x34
)

// kind способ кодирования значения
type kind uint8

const (
	kindString kind = iota
	kindBytes
	kindFlag
	kindUint8
	kindUint16
	kindUint32
	kindFormat
	kindAuthMethods
	kindDateTime
	kindApparentAddr
	kindRRLoss
)

type tagInfo struct {
	name string
	kind kind
}

var tags = map[Tag]tagInfo{
	TagCalledNumber:  {"CALLED_NUMBER", kindString},
	TagCallingNumber: {"CALLING_NUMBER", kindString},
	TagCallingANI:    {"CALLING_ANI", kindString},
	TagCallingName:   {"CALLING_NAME", kindString},
	TagCalledContext: {"CALLED_CONTEXT", kindString},
	TagUsername:      {"USERNAME", kindString},
	TagPassword:      {"PASSWORD", kindString},
	TagCapability:    {"CAPABILITY", kindFormat},
	TagFormat:        {"FORMAT", kindFormat},
	TagLanguage:      {"LANGUAGE", kindString},
	TagVersion:       {"VERSION", kindUint16},
	TagADSICPE:       {"ADSICPE", kindUint16},
	TagDNID:          {"DNID", kindString},
	TagAuthMethods:   {"AUTHMETHODS", kindAuthMethods},
	TagChallenge:     {"CHALLENGE", kindString},
	TagMD5Result:     {"MD5_RESULT", kindString},
	TagRSAResult:     {"RSA_RESULT", kindString},
	TagApparentAddr:  {"APPARENT_ADDR", kindApparentAddr},
	TagRefresh:       {"REFRESH", kindUint16},
	TagDPStatus:      {"DPSTATUS", kindUint16},
	TagCallNo:        {"CALLNO", kindUint16},
	TagCause:         {"CAUSE", kindString},
	TagIAXUnknown:    {"IAX_UNKNOWN", kindUint8},
	TagMsgCount:      {"MSGCOUNT", kindUint16},
	TagAutoAnswer:    {"AUTOANSWER", kindFlag},
	TagMusicOnHold:   {"MUSICONHOLD", kindString},
	TagTransferID:    {"TRANSFERID", kindUint32},
	TagRDNIS:         {"RDNIS", kindString},
	TagDateTime:      {"DATETIME", kindDateTime},
	TagCallingPres:   {"CALLINGPRES", kindUint8},
	TagCallingTON:    {"CALLINGTON", kindUint8},
	TagCallingTNS:    {"CALLINGTNS", kindUint16},
	TagSamplingRate:  {"SAMPLINGRATE", kindUint16},
	TagCauseCode:     {"CAUSECODE", kindUint8},
	TagEncryption:    {"ENCRYPTION", kindUint16},
	TagEncKey:        {"ENCKEY", kindBytes},
	TagCodecPrefs:    {"CODEC_PREFS", kindString},
	TagRRJitter:      {"RR_JITTER", kindUint32},
	TagRRLoss:        {"RR_LOSS", kindRRLoss},
	TagRRPkts:        {"RR_PKTS", kindUint32},
	TagRRDelay:       {"RR_DELAY", kindUint16},
	TagRRDropped:     {"RR_DROPPED", kindUint32},
	TagRROOO:         {"RR_OOO", kindUint32},
	TagOSPToken:      {"OSPTOKEN", kindBytes},
}

func (t Tag) String() string {
	if info, ok := tags[t]; ok {
		return info.name
	}
	return fmt.Sprintf("IE(0x%02x)", uint8(t))
}

// Known сообщает, умеет ли кодек разбирать элемент с таким тегом
func (t Tag) Known() bool {
	_, ok := tags[t]
	return ok
}

func (t Tag) kind() (kind, bool) {
	info, ok := tags[t]
	return info.kind, ok
}
