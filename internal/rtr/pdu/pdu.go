// Package pdu implements the RTR (RPKI-to-Router) wire protocol, RFC 6810
// (protocol version 0) and RFC 8210 (version 1): the fixed 8-byte header and
// the ten PDU types of spec §6.
package pdu

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Type identifies a PDU's payload shape.
type Type uint8

const (
	SerialNotify Type = 0
	SerialQuery  Type = 1
	ResetQuery   Type = 2
	CacheResponse Type = 3
	IPv4Prefix   Type = 4
	IPv6Prefix   Type = 6
	EndOfData    Type = 7
	CacheReset   Type = 8
	RouterKey    Type = 9 // version 1 only
	ErrorReport  Type = 10

	headerLen = 8
)

func (t Type) String() string {
	switch t {
	case SerialNotify:
		return "SerialNotify"
	case SerialQuery:
		return "SerialQuery"
	case ResetQuery:
		return "ResetQuery"
	case CacheResponse:
		return "CacheResponse"
	case IPv4Prefix:
		return "IPv4Prefix"
	case IPv6Prefix:
		return "IPv6Prefix"
	case EndOfData:
		return "EndOfData"
	case CacheReset:
		return "CacheReset"
	case RouterKey:
		return "RouterKey"
	case ErrorReport:
		return "ErrorReport"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ErrorCode is the PDU 10 payload's error_code field (RFC 8210 §5.10).
type ErrorCode uint16

const (
	ErrCorruptData        ErrorCode = 0
	ErrInternalError       ErrorCode = 1
	ErrNoDataAvailable     ErrorCode = 2
	ErrInvalidRequest      ErrorCode = 3
	ErrUnsupportedProtoVer ErrorCode = 4
	ErrUnsupportedPDUType  ErrorCode = 5
	ErrWithdrawalUnknown   ErrorCode = 6
	ErrDuplicateAnnounce   ErrorCode = 7
	ErrUnexpectedProtoVer  ErrorCode = 8
)

// PDU is any decodable/encodable RTR message.
type PDU interface {
	Type() Type
	// Encode appends the PDU's wire representation to dst, negotiated at
	// protocol version ver, and returns the extended slice.
	Encode(ver uint8, dst []byte) []byte
}

// header is the common 8-byte prefix of every PDU (spec §6).
type header struct {
	Version uint8
	Type    uint8
	Field16 uint16 // session ID, flags, or error code depending on type
	Length  uint32
}

func putHeader(dst []byte, ver uint8, typ Type, field16 uint16, length uint32) []byte {
	var buf [headerLen]byte
	buf[0] = ver
	buf[1] = uint8(typ)
	binary.BigEndian.PutUint16(buf[2:4], field16)
	binary.BigEndian.PutUint32(buf[4:8], length)
	return append(dst, buf[:]...)
}

// SerialNotifyPDU (type 0): server -> client, new serial available.
type SerialNotifyPDU struct {
	SessionID uint16
	Serial    uint32
}

func (p SerialNotifyPDU) Type() Type { return SerialNotify }

func (p SerialNotifyPDU) Encode(ver uint8, dst []byte) []byte {
	dst = putHeader(dst, ver, SerialNotify, p.SessionID, 12)
	return binary.BigEndian.AppendUint32(dst, p.Serial)
}

// SerialQueryPDU (type 1): client -> server, "send me what changed since".
type SerialQueryPDU struct {
	SessionID uint16
	Serial    uint32
}

func (p SerialQueryPDU) Type() Type { return SerialQuery }

func (p SerialQueryPDU) Encode(ver uint8, dst []byte) []byte {
	dst = putHeader(dst, ver, SerialQuery, p.SessionID, 12)
	return binary.BigEndian.AppendUint32(dst, p.Serial)
}

// ResetQueryPDU (type 2): client -> server, "send me the full current set".
type ResetQueryPDU struct{}

func (p ResetQueryPDU) Type() Type { return ResetQuery }

func (p ResetQueryPDU) Encode(ver uint8, dst []byte) []byte {
	return putHeader(dst, ver, ResetQuery, 0, headerLen)
}

// CacheResponsePDU (type 3): server -> client, begins a response stream.
type CacheResponsePDU struct {
	SessionID uint16
}

func (p CacheResponsePDU) Type() Type { return CacheResponse }

func (p CacheResponsePDU) Encode(ver uint8, dst []byte) []byte {
	return putHeader(dst, ver, CacheResponse, p.SessionID, headerLen)
}

// IPv4PrefixPDU (type 4): one VRP add/remove, IPv4 family.
type IPv4PrefixPDU struct {
	Flags     uint8 // 1 = announce, 0 = withdraw
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       uint32
}

func (p IPv4PrefixPDU) Type() Type { return IPv4Prefix }

func (p IPv4PrefixPDU) Encode(ver uint8, dst []byte) []byte {
	dst = putHeader(dst, ver, IPv4Prefix, 0, 20)
	dst = append(dst, p.Flags, uint8(p.Prefix.Bits()), p.MaxLength, 0)
	addr := p.Prefix.Masked().Addr().As4()
	dst = append(dst, addr[:]...)
	return binary.BigEndian.AppendUint32(dst, p.ASN)
}

// IPv6PrefixPDU (type 6): one VRP add/remove, IPv6 family.
type IPv6PrefixPDU struct {
	Flags     uint8
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       uint32
}

func (p IPv6PrefixPDU) Type() Type { return IPv6Prefix }

func (p IPv6PrefixPDU) Encode(ver uint8, dst []byte) []byte {
	dst = putHeader(dst, ver, IPv6Prefix, 0, 32)
	dst = append(dst, p.Flags, uint8(p.Prefix.Bits()), p.MaxLength, 0)
	addr := p.Prefix.Masked().Addr().As16()
	dst = append(dst, addr[:]...)
	return binary.BigEndian.AppendUint32(dst, p.ASN)
}

// RouterKeyPDU (type 9, version 1 only): one BGPsec router key add/remove.
type RouterKeyPDU struct {
	Flags uint8
	SKI   [20]byte
	ASN   uint32
	SPKI  []byte
}

func (p RouterKeyPDU) Type() Type { return RouterKey }

func (p RouterKeyPDU) Encode(ver uint8, dst []byte) []byte {
	length := uint32(headerLen + 20 + 1 + 4 + len(p.SPKI))
	dst = putHeader(dst, ver, RouterKey, 0, length)
	dst = append(dst, p.SKI[:]...)
	dst = append(dst, p.Flags)
	dst = binary.BigEndian.AppendUint32(dst, p.ASN)
	return append(dst, p.SPKI...)
}

// EndOfDataPDU (type 7): ends a response stream.
type EndOfDataPDU struct {
	SessionID      uint16
	Serial         uint32
	RefreshInterval uint32 // version 1 only; ignored when encoding version 0
	RetryInterval   uint32
	ExpireInterval  uint32
}

func (p EndOfDataPDU) Type() Type { return EndOfData }

func (p EndOfDataPDU) Encode(ver uint8, dst []byte) []byte {
	if ver == 0 {
		dst = putHeader(dst, ver, EndOfData, p.SessionID, 12)
		return binary.BigEndian.AppendUint32(dst, p.Serial)
	}
	dst = putHeader(dst, ver, EndOfData, p.SessionID, 24)
	dst = binary.BigEndian.AppendUint32(dst, p.Serial)
	dst = binary.BigEndian.AppendUint32(dst, p.RefreshInterval)
	dst = binary.BigEndian.AppendUint32(dst, p.RetryInterval)
	return binary.BigEndian.AppendUint32(dst, p.ExpireInterval)
}

// CacheResetPDU (type 8): server -> client, "your serial is too old".
type CacheResetPDU struct{}

func (p CacheResetPDU) Type() Type { return CacheReset }

func (p CacheResetPDU) Encode(ver uint8, dst []byte) []byte {
	return putHeader(dst, ver, CacheReset, 0, headerLen)
}

// ErrorReportPDU (type 10): either side, reports a protocol error.
type ErrorReportPDU struct {
	Code       ErrorCode
	PDUCopy    []byte // the offending PDU, verbatim, may be empty
	ErrorText  string
}

func (p ErrorReportPDU) Type() Type { return ErrorReport }

func (p ErrorReportPDU) Encode(ver uint8, dst []byte) []byte {
	length := uint32(headerLen + 4 + len(p.PDUCopy) + 4 + len(p.ErrorText))
	dst = putHeader(dst, ver, ErrorReport, uint16(p.Code), length)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(p.PDUCopy)))
	dst = append(dst, p.PDUCopy...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(p.ErrorText)))
	return append(dst, p.ErrorText...)
}

// Fatal reports whether an error code per RFC 8210 §5.10 requires the
// connection to be closed after the report is sent (spec §4.7 "close
// connection if fatal code" -- every code in this protocol is fatal except
// none are defined as advisory-only, matching the RFCs' treatment of PDU 10
// as always connection-terminating).
func (c ErrorCode) Fatal() bool { return true }
