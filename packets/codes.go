// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code contains a reason code and reason string for a response.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

var (
	// QosCodes indicates the reason codes for each Qos byte.
	QosCodes = map[byte]Code{
		0: CodeGrantedQos0,
		1: CodeGrantedQos1,
		2: CodeGrantedQos2,
	}

	CodeSuccess     = Code{Code: 0x00, Reason: "success"}
	CodeDisconnect  = Code{Code: 0x00, Reason: "disconnected"}
	CodeGrantedQos0 = Code{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1 = Code{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2 = Code{Code: 0x02, Reason: "granted qos 2"}

	// CONNACK return codes for v3.1 and v3.1.1 clients.
	CodeConnectAccepted                     = Code{Code: 0x00, Reason: "connection accepted"}
	ErrUnsupportedProtocolVersion           = Code{Code: 0x01, Reason: "unsupported protocol version"}
	ErrClientIdentifierNotValid             = Code{Code: 0x02, Reason: "client identifier not valid"}
	ErrServerUnavailable                    = Code{Code: 0x03, Reason: "server unavailable"}
	ErrBadUsernameOrPassword                = Code{Code: 0x04, Reason: "bad username or password"}
	ErrNotAuthorized                        = Code{Code: 0x05, Reason: "not authorized"}
	ErrSubscriptionFailure                  = Code{Code: 0x80, Reason: "subscription failure"}
	ErrUnspecifiedError                     = Code{Code: 0x80, Reason: "unspecified error"}
	ErrMalformedPacket                      = Code{Code: 0x81, Reason: "malformed packet"}
	ErrMalformedPacketID                    = Code{Code: 0x81, Reason: "malformed packet: packet identifier"}
	ErrMalformedTopic                       = Code{Code: 0x81, Reason: "malformed packet: topic"}
	ErrMalformedQos                         = Code{Code: 0x81, Reason: "malformed packet: qos"}
	ErrProtocolViolation                    = Code{Code: 0x82, Reason: "protocol violation"}
	ErrProtocolViolationNoPacketID          = Code{Code: 0x82, Reason: "protocol violation: missing packet id"}
	ErrProtocolViolationQosOutOfRange       = Code{Code: 0x82, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationSecondConnect       = Code{Code: 0x82, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationRequireFirstConnect = Code{Code: 0x82, Reason: "protocol violation: first packet must be connect"}
	ErrProtocolViolationNoFilters           = Code{Code: 0x82, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationUnknownPacket       = Code{Code: 0x82, Reason: "protocol violation: unknown packet type"}
	ErrRejectPacket                         = Code{Code: 0x83, Reason: "packet rejected"}
	ErrServerShuttingDown                   = Code{Code: 0x8B, Reason: "server shutting down"}
	ErrKeepAliveTimeout                     = Code{Code: 0x8D, Reason: "keep alive timeout"}
	ErrSessionTakenOver                     = Code{Code: 0x8E, Reason: "session takeover"}
	ErrTopicFilterInvalid                   = Code{Code: 0x8F, Reason: "topic filter invalid"}
	ErrTopicNameInvalid                     = Code{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketIdentifierNotFound             = Code{Code: 0x92, Reason: "packet identifier not found"}
	ErrPendingClientWritesExceeded          = Code{Code: 0x97, Reason: "too many pending writes"}
	ErrQosNotSupported                      = Code{Code: 0x9B, Reason: "qos not supported"}
)
