package ie

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// CauseCode код причины завершения (Q.931), IE CAUSECODE
type CauseCode uint8

const (
	CauseUnknown                         CauseCode = 0
	CauseUnassignedNumber                CauseCode = 1
	CauseNoRouteToNetwork                CauseCode = 2
	CauseNoRouteToDestination            CauseCode = 3
	CauseChannelUnacceptable             CauseCode = 6
	CauseCallAwardedAndDelivered         CauseCode = 7
	CauseNormalClearing                  CauseCode = 16
	CauseUserBusy                        CauseCode = 17
	CauseNoUserResponse                  CauseCode = 18
	CauseNoAnswer                        CauseCode = 19
	CauseCallRejected                    CauseCode = 21
	CauseDestinationOutOfOrder           CauseCode = 27
	CauseInvalidNumberFormat             CauseCode = 28
	CauseFacilityRejected                CauseCode = 29
	CauseResponseToStatusEnquiry         CauseCode = 30
	CauseNormalUnspecified               CauseCode = 31
	CauseNoChannelAvailable              CauseCode = 34
	CauseNetworkOutOfOrder               CauseCode = 38
	CauseTemporaryFailure                CauseCode = 41
	CauseSwitchCongestion                CauseCode = 42
	CauseAccessInformationDiscarded      CauseCode = 43
	CauseRequestedChannelNotAvailable    CauseCode = 44
	CausePreempted                       CauseCode = 45
	CauseResourceUnavailable             CauseCode = 47
	CauseFacilityNotSubscribed           CauseCode = 50
	CauseOutgoingCallBarred              CauseCode = 52
	CauseIncomingCallBarred              CauseCode = 54
	CauseBearerCapabilityNotAuthorized   CauseCode = 57
	CauseBearerCapabilityNotAvailable    CauseCode = 58
	CauseServiceOrOptionNotAvailable     CauseCode = 63
	CauseBearerCapabilityNotImplemented  CauseCode = 65
	CauseChannelTypeNotImplemented       CauseCode = 66
	CauseFacilityNotImplemented          CauseCode = 69
	CauseOnlyRestrictedBearerCapability  CauseCode = 70
	CauseServiceNotAvailable             CauseCode = 79
	CauseInvalidCallReference            CauseCode = 81
	CauseIdentifiedChannelNotExistent    CauseCode = 82
	CauseSuspendedCallExists             CauseCode = 83
	CauseCallIdentityInUse               CauseCode = 84
	CauseNoCallSuspended                 CauseCode = 85
	CauseCallCleared                     CauseCode = 86
	CauseIncompatibleDestination         CauseCode = 88
	CauseInvalidTransitNetworkSelection  CauseCode = 91
	CauseInvalidMessage                  CauseCode = 95
	CauseMandatoryIEMissing              CauseCode = 96
	CauseMessageTypeNonexistent          CauseCode = 97
	CauseMessageNotCompatible            CauseCode = 98
	CauseIENonexistent                   CauseCode = 99
	CauseInvalidIEContents               CauseCode = 100
	CauseMessageNotCompatibleWithState   CauseCode = 101
	CauseRecoveryOnTimerExpiration       CauseCode = 102
	CauseMandatoryIELengthError          CauseCode = 103
	CauseProtocolError                   CauseCode = 111
	CauseInterworking                    CauseCode = 127
)

var causeNames = map[CauseCode]string{
	CauseUnknown:                        "UNKNOWN",
	CauseUnassignedNumber:               "UNASSIGNED_NUMBER",
	CauseNoRouteToNetwork:               "NO_ROUTE_TO_NETWORK",
	CauseNoRouteToDestination:           "NO_ROUTE_TO_DESTINATION",
	CauseChannelUnacceptable:            "CHANNEL_UNACCEPTABLE",
	CauseCallAwardedAndDelivered:        "CALL_AWARDED_AND_DELIVERED",
	CauseNormalClearing:                 "NORMAL_CLEARING",
	CauseUserBusy:                       "USER_BUSY",
	CauseNoUserResponse:                 "NO_USER_RESPONSE",
	CauseNoAnswer:                       "NO_ANSWER",
	CauseCallRejected:                   "CALL_REJECTED",
	CauseDestinationOutOfOrder:          "DESTINATION_OUT_OF_ORDER",
	CauseInvalidNumberFormat:            "INVALID_NUMBER_FORMAT",
	CauseFacilityRejected:               "FACILITY_REJECTED",
	CauseResponseToStatusEnquiry:        "RESPONSE_TO_STATUS_ENQUIRY",
	CauseNormalUnspecified:              "NORMAL_UNSPECIFIED",
	CauseNoChannelAvailable:             "NO_CHANNEL_AVAILABLE",
	CauseNetworkOutOfOrder:              "NETWORK_OUT_OF_ORDER",
	CauseTemporaryFailure:               "TEMPORARY_FAILURE",
	CauseSwitchCongestion:               "SWITCH_CONGESTION",
	CauseAccessInformationDiscarded:     "ACCESS_INFORMATION_DISCARDED",
	CauseRequestedChannelNotAvailable:   "REQUESTED_CHANNEL_NOT_AVAILABLE",
	CausePreempted:                      "PREEMPTED",
	CauseResourceUnavailable:            "RESOURCE_UNAVAILABLE",
	CauseFacilityNotSubscribed:          "FACILITY_NOT_SUBSCRIBED",
	CauseOutgoingCallBarred:             "OUTGOING_CALL_BARRED",
	CauseIncomingCallBarred:             "INCOMING_CALL_BARRED",
	CauseBearerCapabilityNotAuthorized:  "BEARER_CAPABILITY_NOT_AUTHORIZED",
	CauseBearerCapabilityNotAvailable:   "BEARER_CAPABILITY_NOT_AVAILABLE",
	CauseServiceOrOptionNotAvailable:    "SERVICE_OR_OPTION_NOT_AVAILABLE",
	CauseBearerCapabilityNotImplemented: "BEARER_CAPABILITY_NOT_IMPLEMENTED",
	CauseChannelTypeNotImplemented:      "CHANNEL_TYPE_NOT_IMPLEMENTED",
	CauseFacilityNotImplemented:         "FACILITY_NOT_IMPLEMENTED",
	CauseOnlyRestrictedBearerCapability: "ONLY_RESTRICTED_BEARER_CAPABILITY_AVAILABLE",
	CauseServiceNotAvailable:            "SERVICE_NOT_AVAILABLE",
	CauseInvalidCallReference:           "INVALID_CALL_REFERENCE",
	CauseIdentifiedChannelNotExistent:   "IDENTIFIED_CHANNEL_NOT_EXISTENT",
	CauseSuspendedCallExists:            "SUSPENDED_CALL_EXISTS",
	CauseCallIdentityInUse:              "CALL_IDENTITY_IN_USE",
	CauseNoCallSuspended:                "NO_CALL_SUSPENDED",
	CauseCallCleared:                    "CALL_CLEARED",
	CauseIncompatibleDestination:        "INCOMPATIBLE_DESTINATION",
	CauseInvalidTransitNetworkSelection: "INVALID_TRANSIT_NETWORK_SELECTION",
	CauseInvalidMessage:                 "INVALID_MESSAGE",
	CauseMandatoryIEMissing:             "MANDATORY_INFORMATION_ELEMENT_MISSING",
	CauseMessageTypeNonexistent:         "MESSAGE_TYPE_NONEXISTENT",
	CauseMessageNotCompatible:           "MESSAGE_NOT_COMPATIBLE",
	CauseIENonexistent:                  "INFORMATION_ELEMENT_NONEXISTENT",
	CauseInvalidIEContents:              "INVALID_INFORMATION_ELEMENT_CONTENTS",
	CauseMessageNotCompatibleWithState:  "MESSAGE_NOT_COMPATIBLE_WITH_CALLSTATE",
	CauseRecoveryOnTimerExpiration:      "RECOVERY_ON_TIMER_EXPIRATION",
	CauseMandatoryIELengthError:         "MANDATORY_INFORMATION_ELEMENT_LENGTH_ERROR",
	CauseProtocolError:                  "PROTOCOL_ERROR",
	CauseInterworking:                   "INTERWORKING",
}

func (c CauseCode) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CAUSE(%d)", uint8(c))
}

// Presentation значение CALLINGPRES
type Presentation uint8

const (
	PresAllowedNotScreened     Presentation = 0x00
	PresAllowedPassedScreen    Presentation = 0x01
	PresAllowedFailedScreen    Presentation = 0x02
	PresAllowedNetworkNumber   Presentation = 0x03
	PresProhibitedNotScreened  Presentation = 0x20
	PresProhibitedPassedScreen Presentation = 0x21
	PresProhibitedFailedScreen Presentation = 0x22
	PresProhibitedNetwork      Presentation = 0x23
	PresNumberNotAvailable     Presentation = 0x43
)

// Allowed сообщает, разрешено ли показывать номер
func (p Presentation) Allowed() bool { return p&0x60 == 0 }

// TypeOfNumber значение CALLINGTON
type TypeOfNumber uint8

const (
	TONUnknown         TypeOfNumber = 0x00
	TONInternational   TypeOfNumber = 0x10
	TONNational        TypeOfNumber = 0x20
	TONNetworkSpecific TypeOfNumber = 0x30
	TONSubscriber      TypeOfNumber = 0x40
	TONAbbreviated     TypeOfNumber = 0x60
	TONReserved        TypeOfNumber = 0x70
)

// AuthMethod битовая маска методов аутентификации
type AuthMethod uint16

const (
	AuthReserved AuthMethod = 0x0001
	AuthMD5      AuthMethod = 0x0002
	AuthRSA      AuthMethod = 0x0004
)

func (a AuthMethod) String() string {
	var parts []string
	if a&AuthReserved != 0 {
		parts = append(parts, "RESERVED")
	}
	if a&AuthMD5 != 0 {
		parts = append(parts, "MD5")
	}
	if a&AuthRSA != 0 {
		parts = append(parts, "RSA")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// MD5Response ответ на challenge: md5(challenge + password) в нижнем регистре hex
func MD5Response(challenge, password string) string {
	sum := md5.Sum([]byte(challenge + password))
	return hex.EncodeToString(sum[:])
}
