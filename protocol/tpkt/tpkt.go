package tpkt

import (
	"bytes"
	"errors"
	"io"

	"github.com/lunixbochs/struc"
)

/**
 * TPKT envelope carried on top of TCP
 * @see https://datatracker.ietf.org/doc/html/rfc1006
 * @see http://msdn.microsoft.com/en-us/library/cc240621.aspx
 */

const (
	Version = 3

	// HeaderLength is the fixed size of the TPKT envelope. The length
	// field counts these four bytes too.
	HeaderLength = 4
)

var ErrVersion = errors.New("tpkt: not a tpkt header")

type Header struct {
	Version  uint8  `struc:"uint8"`
	Reserved uint8  `struc:"uint8"`
	Length   uint16 `struc:"big"`
}

// WriteHeader writes a TPKT envelope for a frame of length total bytes,
// header included.
func WriteHeader(length uint16, w io.Writer) error {
	return struc.Pack(w, &Header{Version: Version, Length: length})
}

// ReadLen consumes a TPKT envelope and returns the total on-wire frame
// length, header included.
func ReadLen(r io.Reader) (uint16, error) {
	h := &Header{}
	if err := struc.Unpack(r, h); err != nil {
		return 0, err
	}
	if h.Version != Version {
		return 0, ErrVersion
	}
	return h.Length, nil
}

// PeekLen reads the envelope of the frame at the start of buff without
// consuming it. io.ErrUnexpectedEOF means the header itself is incomplete.
func PeekLen(buff []byte) (uint16, error) {
	if len(buff) < HeaderLength {
		return 0, io.ErrUnexpectedEOF
	}
	return ReadLen(bytes.NewReader(buff[:HeaderLength]))
}
