package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// ErrShortBuffer is returned by Decode when buf is shorter than a header or
// its length differs from the PDU's declared length (too short, or with
// trailing bytes).
var ErrShortBuffer = errors.New("pdu: buffer length does not match declared length")

// ReadPDU reads one complete PDU from r: the 8-byte header, then its
// declared-length payload, then decodes it. It is the server/client's
// per-message read primitive.
func ReadPDU(r io.Reader) (PDU, uint8, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	ver := hdr[0]
	typ := Type(hdr[1])
	field16 := binary.BigEndian.Uint16(hdr[2:4])
	length := binary.BigEndian.Uint32(hdr[4:8])

	if length < headerLen {
		return nil, ver, fmt.Errorf("pdu: declared length %d shorter than header", length)
	}
	body := make([]byte, length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ver, err
	}

	p, err := decodeBody(typ, field16, body)
	return p, ver, err
}

// Decode parses exactly one PDU from buf, which must contain the full
// message (header + body, no trailing bytes). It is used by round-trip
// tests and anywhere the caller already has the whole message buffered.
func Decode(buf []byte) (PDU, uint8, error) {
	if len(buf) < headerLen {
		return nil, 0, ErrShortBuffer
	}
	ver := buf[0]
	typ := Type(buf[1])
	field16 := binary.BigEndian.Uint16(buf[2:4])
	length := binary.BigEndian.Uint32(buf[4:8])
	if uint32(len(buf)) != length {
		return nil, ver, ErrShortBuffer
	}
	p, err := decodeBody(typ, field16, buf[headerLen:])
	return p, ver, err
}

func decodeBody(typ Type, field16 uint16, body []byte) (PDU, error) {
	switch typ {
	case SerialNotify:
		if len(body) != 4 {
			return nil, fmt.Errorf("pdu: SerialNotify: bad length %d", len(body))
		}
		return SerialNotifyPDU{SessionID: field16, Serial: binary.BigEndian.Uint32(body)}, nil

	case SerialQuery:
		if len(body) != 4 {
			return nil, fmt.Errorf("pdu: SerialQuery: bad length %d", len(body))
		}
		return SerialQueryPDU{SessionID: field16, Serial: binary.BigEndian.Uint32(body)}, nil

	case ResetQuery:
		return ResetQueryPDU{}, nil

	case CacheResponse:
		return CacheResponsePDU{SessionID: field16}, nil

	case IPv4Prefix:
		if len(body) != 12 {
			return nil, fmt.Errorf("pdu: IPv4Prefix: bad length %d", len(body))
		}
		flags, plen, maxlen := body[0], body[1], body[2]
		addr := netip.AddrFrom4([4]byte{body[4], body[5], body[6], body[7]})
		prefix, err := addr.Prefix(int(plen))
		if err != nil {
			return nil, fmt.Errorf("pdu: IPv4Prefix: %w", err)
		}
		asn := binary.BigEndian.Uint32(body[8:12])
		return IPv4PrefixPDU{Flags: flags, Prefix: prefix, MaxLength: maxlen, ASN: asn}, nil

	case IPv6Prefix:
		if len(body) != 24 {
			return nil, fmt.Errorf("pdu: IPv6Prefix: bad length %d", len(body))
		}
		flags, plen, maxlen := body[0], body[1], body[2]
		var raw [16]byte
		copy(raw[:], body[4:20])
		addr := netip.AddrFrom16(raw)
		prefix, err := addr.Prefix(int(plen))
		if err != nil {
			return nil, fmt.Errorf("pdu: IPv6Prefix: %w", err)
		}
		asn := binary.BigEndian.Uint32(body[20:24])
		return IPv6PrefixPDU{Flags: flags, Prefix: prefix, MaxLength: maxlen, ASN: asn}, nil

	case RouterKey:
		if len(body) < 25 {
			return nil, fmt.Errorf("pdu: RouterKey: bad length %d", len(body))
		}
		var ski [20]byte
		copy(ski[:], body[:20])
		flags := body[20]
		asn := binary.BigEndian.Uint32(body[21:25])
		spki := append([]byte(nil), body[25:]...)
		return RouterKeyPDU{Flags: flags, SKI: ski, ASN: asn, SPKI: spki}, nil

	case EndOfData:
		switch len(body) {
		case 4:
			return EndOfDataPDU{SessionID: field16, Serial: binary.BigEndian.Uint32(body)}, nil
		case 16:
			return EndOfDataPDU{
				SessionID:       field16,
				Serial:          binary.BigEndian.Uint32(body[0:4]),
				RefreshInterval: binary.BigEndian.Uint32(body[4:8]),
				RetryInterval:   binary.BigEndian.Uint32(body[8:12]),
				ExpireInterval:  binary.BigEndian.Uint32(body[12:16]),
			}, nil
		default:
			return nil, fmt.Errorf("pdu: EndOfData: bad length %d", len(body))
		}

	case CacheReset:
		return CacheResetPDU{}, nil

	case ErrorReport:
		if len(body) < 8 {
			return nil, fmt.Errorf("pdu: ErrorReport: truncated")
		}
		pduLen := binary.BigEndian.Uint32(body[0:4])
		if uint32(len(body)) < 4+pduLen+4 {
			return nil, fmt.Errorf("pdu: ErrorReport: truncated encapsulated PDU")
		}
		encapsulated := append([]byte(nil), body[4:4+pduLen]...)
		rest := body[4+pduLen:]
		textLen := binary.BigEndian.Uint32(rest[0:4])
		if uint32(len(rest)) < 4+textLen {
			return nil, fmt.Errorf("pdu: ErrorReport: truncated error text")
		}
		text := string(rest[4 : 4+textLen])
		return ErrorReportPDU{Code: ErrorCode(field16), PDUCopy: encapsulated, ErrorText: text}, nil

	default:
		return nil, fmt.Errorf("pdu: unknown PDU type %d", uint8(typ))
	}
}
