package rdpgate

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nakagami/rdpgate/protocol/tpkt"
	"github.com/nakagami/rdpgate/protocol/x224"
)

// framer adapts a stream connection to whole TPDUs: reads accumulate in
// an append-only buffer until a complete frame is available. It never
// interprets payloads.
type framer struct {
	conn io.ReadWriter
	buff []byte
}

func newFramer(conn io.ReadWriter) *framer {
	return &framer{conn: conn}
}

// ReadTPDU blocks until one complete TPDU arrives and returns its type
// code and payload.
func (f *framer) ReadTPDU() (x224.MessageType, []byte, error) {
	chunk := make([]byte, 4096)
	for {
		code, payload, consumed, err := x224.Decode(f.buff)
		if err == nil {
			out := append([]byte{}, payload...)
			f.buff = f.buff[consumed:]
			return code, out, nil
		}
		if err != x224.ErrIncomplete {
			return 0, nil, err
		}

		n, err := f.conn.Read(chunk)
		if n > 0 {
			f.buff = append(f.buff, chunk[:n]...)
		} else if err != nil {
			return 0, nil, err
		}
	}
}

func (f *framer) writeTPDU(code x224.MessageType, payload []byte) error {
	frame, err := x224.Encode(code, payload)
	if err != nil {
		return err
	}
	_, err = f.conn.Write(frame)
	return err
}

func (f *framer) WriteNegotiationRequest(cookie string, protocol uint32) error {
	buff := &bytes.Buffer{}
	if err := x224.WriteNegotiationRequest(buff, cookie, protocol, 0); err != nil {
		return err
	}
	return f.writeTPDU(x224.TPDU_CONNECTION_REQUEST, buff.Bytes())
}

func (f *framer) WriteNegotiationResponse(protocol uint32) error {
	buff := &bytes.Buffer{}
	if err := x224.WriteNegotiationResponse(buff, 0, protocol); err != nil {
		return err
	}
	return f.writeTPDU(x224.TPDU_CONNECTION_CONFIRM, buff.Bytes())
}

func (f *framer) WriteNegotiationFailure(code uint32) error {
	buff := &bytes.Buffer{}
	if err := x224.WriteNegotiationFailure(buff, code); err != nil {
		return err
	}
	return f.writeTPDU(x224.TPDU_CONNECTION_CONFIRM, buff.Bytes())
}

// writeBlob sends an opaque blob under a bare TPKT envelope, the
// framing used on the secured channel.
func writeBlob(w io.Writer, blob []byte) error {
	if len(blob)+tpkt.HeaderLength > 0xFFFF {
		return fmt.Errorf("rdpgate: blob of %d bytes does not fit a tpkt frame", len(blob))
	}
	buff := &bytes.Buffer{}
	if err := tpkt.WriteHeader(uint16(len(blob)+tpkt.HeaderLength), buff); err != nil {
		return err
	}
	buff.Write(blob)
	_, err := w.Write(buff.Bytes())
	return err
}

// readBlob receives one TPKT-enveloped opaque blob.
func readBlob(r io.Reader) ([]byte, error) {
	header := make([]byte, tpkt.HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	ln, err := tpkt.ReadLen(bytes.NewReader(header))
	if err != nil {
		return nil, err
	}
	if int(ln) < tpkt.HeaderLength {
		return nil, fmt.Errorf("rdpgate: tpkt length %d is too small", ln)
	}
	blob := make([]byte, int(ln)-tpkt.HeaderLength)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	return blob, nil
}
