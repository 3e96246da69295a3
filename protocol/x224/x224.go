package x224

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/nakagami/rdpgate/core"
	"github.com/nakagami/rdpgate/protocol/tpkt"
)

/**
 * Message type present in X224 packet header
 * @see http://msdn.microsoft.com/en-us/library/cc240470.aspx
 */
type MessageType byte

const (
	TPDU_CONNECTION_REQUEST MessageType = 0xE0
	TPDU_CONNECTION_CONFIRM             = 0xD0
	TPDU_DISCONNECT_REQUEST             = 0x80
	TPDU_DATA                           = 0xF0
	TPDU_ERROR                          = 0x70
)

const (
	dataHeaderLength    = 3
	requestHeaderLength = 7

	// DataLength and RequestLength are full header sizes, TPKT
	// envelope included.
	DataLength    = tpkt.HeaderLength + dataHeaderLength
	RequestLength = tpkt.HeaderLength + requestHeaderLength
)

// ErrIncomplete reports that the buffer does not yet hold a whole TPDU.
// The caller should read more data and retry.
var ErrIncomplete = errors.New("x224: incomplete tpdu")

func (t MessageType) valid() bool {
	switch t {
	case TPDU_CONNECTION_REQUEST, TPDU_CONNECTION_CONFIRM,
		TPDU_DISCONNECT_REQUEST, TPDU_DATA, TPDU_ERROR:
		return true
	}
	return false
}

// Decode splits one complete TPDU off the front of input and returns its
// type code, its payload and the number of bytes consumed. The payload
// aliases input. Decode is framing only: it never interprets the payload.
func Decode(input []byte) (MessageType, []byte, int, error) {
	ln, err := tpkt.PeekLen(input)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, 0, ErrIncomplete
		}
		return 0, nil, 0, err
	}
	if int(ln) < tpkt.HeaderLength {
		return 0, nil, 0, errors.New("x224: tpkt len is too small")
	}
	if len(input) < int(ln) {
		return 0, nil, 0, ErrIncomplete
	}

	r := bytes.NewReader(input[tpkt.HeaderLength:ln])
	code, err := parseHeader(r)
	if err != nil {
		return 0, nil, 0, err
	}

	headerLen := RequestLength
	if code == TPDU_DATA {
		headerLen = DataLength
	}
	if int(ln) < headerLen {
		return 0, nil, 0, errors.New("x224: tpkt len is too small")
	}

	return code, input[headerLen:ln], int(ln), nil
}

// Encode wraps payload into a request-style TPDU (dst-ref=0, src-ref=0,
// class=0) under a TPKT envelope.
func Encode(code MessageType, payload []byte) ([]byte, error) {
	length := RequestLength + len(payload)
	if length > 0xFFFF {
		return nil, errors.New("x224: payload too large")
	}

	buff := &bytes.Buffer{}
	if err := tpkt.WriteHeader(uint16(length), buff); err != nil {
		return nil, err
	}
	writeHeader(uint8(length-tpkt.HeaderLength), code, 0, buff)
	buff.Write(payload)

	return buff.Bytes(), nil
}

func writeHeader(length uint8, code MessageType, srcRef uint16, w io.Writer) {
	// the length field doesn't count the length byte itself
	core.WriteUInt8(length-1, w)
	core.WriteUInt8(uint8(code), w)
	core.WriteUInt16LE(0, w) // dst-ref
	core.WriteUInt16LE(srcRef, w)
	core.WriteUInt8(0, w) // class
}

func parseHeader(r io.Reader) (MessageType, error) {
	if _, err := core.ReadUInt8(r); err != nil { // length
		return 0, err
	}
	b, err := core.ReadUInt8(r)
	if err != nil {
		return 0, err
	}
	code := MessageType(b)
	if !code.valid() {
		return 0, fmt.Errorf("x224: invalid TPDU type 0x%02x", b)
	}

	if code == TPDU_DATA {
		if _, err := core.ReadUInt8(r); err != nil { // eot
			return 0, err
		}
	} else {
		if _, err := core.ReadUInt16LE(r); err != nil { // dst-ref
			return 0, err
		}
		if _, err := core.ReadUInt16LE(r); err != nil { // src-ref
			return 0, err
		}
		if _, err := core.ReadUInt8(r); err != nil { // class
			return 0, err
		}
	}

	return code, nil
}
