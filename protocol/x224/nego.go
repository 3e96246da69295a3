package x224

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

/**
 * Type of negotiation present in negotiation packet
 */
type NegotiationType byte

const (
	TYPE_RDP_NEG_REQ     NegotiationType = 0x01
	TYPE_RDP_NEG_RSP                     = 0x02
	TYPE_RDP_NEG_FAILURE                 = 0x03
)

/**
 * Protocols available for x224 layer
 */
const (
	PROTOCOL_RDP       uint32 = 0x00000000
	PROTOCOL_SSL              = 0x00000001
	PROTOCOL_HYBRID           = 0x00000002
	PROTOCOL_RDSTLS           = 0x00000004
	PROTOCOL_HYBRID_EX        = 0x00000008
)

/**
 * Negotiation request flags
 * @see http://msdn.microsoft.com/en-us/library/cc240500.aspx
 */
const (
	RESTRICTED_ADMIN_MODE_REQUIRED          uint8 = 0x01
	REDIRECTED_AUTHENTICATION_MODE_REQUIRED       = 0x02
	CORRELATION_INFO_PRESENT                      = 0x08
)

/**
 * Negotiation response flags
 * @see http://msdn.microsoft.com/en-us/library/cc240506.aspx
 */
const (
	EXTENDED_CLIENT_DATA_SUPPORTED            uint8 = 0x01
	DYNVC_GFX_PROTOCOL_SUPPORTED                    = 0x02
	RDP_NEG_RSP_RESERVED                            = 0x04
	RESTRICTED_ADMIN_MODE_SUPPORTED                 = 0x08
	REDIRECTED_AUTHENTICATION_MODE_SUPPORTED        = 0x10
)

/**
 * Negotiation failure codes
 * @see http://msdn.microsoft.com/en-us/library/cc240507.aspx
 */
const (
	//The server requires that the client support Enhanced RDP Security (section 5.4) with either TLS 1.0, 1.1 or 1.2 (section 5.4.5.1) or CredSSP (section 5.4.5.2). If only CredSSP was requested then the server only supports TLS.
	SSL_REQUIRED_BY_SERVER uint32 = 0x00000001

	//The server is configured to only use Standard RDP Security mechanisms (section 5.3) and does not support any External Security Protocols (section 5.4.5).
	SSL_NOT_ALLOWED_BY_SERVER = 0x00000002

	//The server does not possess a valid authentication certificate and cannot initialize the External Security Protocol Provider (section 5.4.5).
	SSL_CERT_NOT_ON_SERVER = 0x00000003

	//The list of requested security protocols is not consistent with the current security protocol in effect. This error is only possible when the Direct Approach (sections 5.4.2.2 and 1.3.1.2) is used and an External Security Protocol (section 5.4.5) is already being used.
	INCONSISTENT_FLAGS = 0x00000004

	//The server requires that the client support Enhanced RDP Security (section 5.4) with CredSSP (section 5.4.5.2).
	HYBRID_REQUIRED_BY_SERVER = 0x00000005

	//The server requires that the client support Enhanced RDP Security (section 5.4) with TLS 1.0, 1.1 or 1.2 (section 5.4.5.1) and certificate-based client authentication.
	SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER = 0x00000006
)

const (
	cookiePrefix       = "Cookie: mstshash="
	routingTokenPrefix = "Cookie: msts="

	negoDataLength = 8

	protocolMask      = PROTOCOL_SSL | PROTOCOL_HYBRID | PROTOCOL_RDSTLS | PROTOCOL_HYBRID_EX
	requestFlagsMask  = RESTRICTED_ADMIN_MODE_REQUIRED | REDIRECTED_AUTHENTICATION_MODE_REQUIRED | CORRELATION_INFO_PRESENT
	responseFlagsMask = EXTENDED_CLIENT_DATA_SUPPORTED | DYNVC_GFX_PROTOCOL_SUPPORTED | RDP_NEG_RSP_RESERVED |
		RESTRICTED_ADMIN_MODE_SUPPORTED | REDIRECTED_AUTHENTICATION_MODE_SUPPORTED
)

/**
 * Use to negotiate security layer of RDP stack
 * @see request -> http://msdn.microsoft.com/en-us/library/cc240500.aspx
 * @see response -> http://msdn.microsoft.com/en-us/library/cc240506.aspx
 * @see failure -> http://msdn.microsoft.com/en-us/library/cc240507.aspx
 */
type Negotiation struct {
	Type   NegotiationType `struc:"byte"`
	Flag   uint8           `struc:"uint8"`
	Length uint16          `struc:"little"`
	Result uint32          `struc:"little"`
}

type NegoDataType int

const (
	NEGO_COOKIE NegoDataType = iota
	NEGO_ROUTING_TOKEN
)

// NegoData is the ASCII prologue of a connection request: either an
// mstshash cookie or an msts routing token.
type NegoData struct {
	Type  NegoDataType
	Value string
}

// NegotiationError carries the failure code of an RDP_NEG_FAILURE the
// peer answered with.
type NegotiationError struct {
	Code uint32
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("x224: received negotiation failure from server, code=%d", e.Code)
}

// WriteNegotiationRequest writes the connection request payload: the
// cookie prologue, then the RDP_NEG_REQ when anything beyond plain RDP
// security is requested.
func WriteNegotiationRequest(w io.Writer, cookie string, protocol uint32, flags uint8) error {
	if _, err := fmt.Fprintf(w, "%s%s\r\n", cookiePrefix, cookie); err != nil {
		return err
	}

	if protocol > PROTOCOL_RDP {
		return struc.Pack(w, &Negotiation{TYPE_RDP_NEG_REQ, flags, negoDataLength, protocol})
	}
	return nil
}

// ParseNegotiationRequest interprets the payload of a ConnectionRequest
// TPDU. A missing prologue and a missing RDP_NEG_REQ are both legal
// (legacy clients); the latter defaults to plain RDP security.
func ParseNegotiationRequest(code MessageType, payload []byte) (*NegoData, uint32, uint8, error) {
	if code != TPDU_CONNECTION_REQUEST {
		return nil, 0, 0, errors.New("x224: expected connection request")
	}

	negoData, consumed, err := readNegoData(payload)
	if err != nil {
		return nil, 0, 0, err
	}
	rest := payload[consumed:]

	if len(rest) < negoDataLength {
		return negoData, PROTOCOL_RDP, 0, nil
	}
	if len(rest) > negoDataLength {
		return nil, 0, 0, errors.New("x224: trailing bytes after negotiation request data")
	}

	neg := &Negotiation{}
	if err := struc.Unpack(bytes.NewReader(rest), neg); err != nil {
		return nil, 0, 0, err
	}
	if neg.Type != TYPE_RDP_NEG_REQ {
		return nil, 0, 0, errors.New("x224: invalid negotiation request code")
	}
	if neg.Flag&^requestFlagsMask != 0 {
		return nil, 0, 0, errors.New("x224: invalid negotiation request flags")
	}
	if neg.Result&^protocolMask != 0 {
		return nil, 0, 0, errors.New("x224: invalid security protocol code")
	}

	return negoData, neg.Result, neg.Flag, nil
}

// WriteNegotiationResponse writes an RDP_NEG_RSP carrying the selected
// protocol.
func WriteNegotiationResponse(w io.Writer, flags uint8, protocol uint32) error {
	return struc.Pack(w, &Negotiation{TYPE_RDP_NEG_RSP, flags, negoDataLength, protocol})
}

// WriteNegotiationFailure writes an RDP_NEG_FAILURE. The high bit of the
// code is masked off on the wire.
func WriteNegotiationFailure(w io.Writer, code uint32) error {
	return struc.Pack(w, &Negotiation{TYPE_RDP_NEG_FAILURE, 0, negoDataLength, code &^ 0x80000000})
}

// ParseNegotiationResponse interprets the payload of a ConnectionConfirm
// TPDU. A failure PDU surfaces as *NegotiationError.
func ParseNegotiationResponse(code MessageType, payload []byte) (uint32, uint8, error) {
	if code != TPDU_CONNECTION_CONFIRM {
		return 0, 0, errors.New("x224: expected connection confirm")
	}

	neg := &Negotiation{}
	if err := struc.Unpack(bytes.NewReader(payload), neg); err != nil {
		return 0, 0, err
	}

	switch neg.Type {
	case TYPE_RDP_NEG_RSP:
		if neg.Flag&^responseFlagsMask != 0 {
			return 0, 0, errors.New("x224: invalid negotiation response flags")
		}
		if neg.Result&^protocolMask != 0 {
			return 0, 0, errors.New("x224: invalid security protocol code")
		}
		return neg.Result, neg.Flag, nil
	case TYPE_RDP_NEG_FAILURE:
		if neg.Result < SSL_REQUIRED_BY_SERVER || neg.Result > SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER {
			return 0, 0, errors.New("x224: invalid negotiation failure code")
		}
		return 0, 0, &NegotiationError{Code: neg.Result}
	default:
		return 0, 0, errors.New("x224: invalid negotiation response code")
	}
}

// readNegoData tries the routing token prologue first, then the cookie
// prologue. Matching neither is not an error; a matched prefix without a
// CRLF terminator is.
func readNegoData(payload []byte) (*NegoData, int, error) {
	if bytes.HasPrefix(payload, []byte(routingTokenPrefix)) {
		value, consumed, err := readStringWithCRLF(payload, len(routingTokenPrefix))
		if err != nil {
			return nil, 0, err
		}
		return &NegoData{NEGO_ROUTING_TOKEN, value}, consumed, nil
	}
	if bytes.HasPrefix(payload, []byte(cookiePrefix)) {
		value, consumed, err := readStringWithCRLF(payload, len(cookiePrefix))
		if err != nil {
			return nil, 0, err
		}
		return &NegoData{NEGO_COOKIE, value}, consumed, nil
	}
	return nil, 0, nil
}

func readStringWithCRLF(payload []byte, start int) (string, int, error) {
	end := bytes.Index(payload[start:], []byte("\r\n"))
	if end < 0 {
		return "", 0, errors.New("x224: prologue is not terminated")
	}
	return string(payload[start : start+end]), start + end + 2, nil
}
