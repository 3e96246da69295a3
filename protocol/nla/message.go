package nla

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nakagami/rdpgate/core"
)

/**
 * NTLM message codec
 * @see https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-nlmp/b38c36ed-2804-4868-a9ff-8dd3182128e4
 */

var ntlmSignature = []byte("NTLMSSP\x00")

const (
	messageTypeNegotiate    uint32 = 0x00000001
	messageTypeChallenge           = 0x00000002
	messageTypeAuthenticate        = 0x00000003

	micSize = 16

	// micOffset is where the 16-byte MIC sits inside AUTHENTICATE when
	// present; the payload region then starts right after it.
	micOffset = 64

	negotiateFixedLen    = 40
	challengeFixedLen    = 56
	authenticateFixedLen = 64
)

// ntlmVersion is the 8-byte VERSION block: Windows 6.1, build number 0,
// NTLMSSP revision 15.
var ntlmVersion = []byte{0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0F}

// field is the {length, maxlen, offset} descriptor pointing into the
// payload region of a message.
type field struct {
	Len    uint16
	MaxLen uint16
	Offset uint32
}

func readFieldDescriptor(r io.Reader) (field, error) {
	var f field
	var err error
	if f.Len, err = core.ReadUInt16LE(r); err != nil {
		return f, err
	}
	if f.MaxLen, err = core.ReadUInt16LE(r); err != nil {
		return f, err
	}
	if f.Offset, err = core.ReadUInt32LE(r); err != nil {
		return f, err
	}
	return f, nil
}

func writeFieldDescriptor(ln, offset int, w io.Writer) {
	core.WriteUInt16LE(uint16(ln), w)
	core.WriteUInt16LE(uint16(ln), w)
	core.WriteUInt32LE(uint32(offset), w)
}

// extract returns the payload bytes a descriptor points at. Any
// non-overlapping layout is accepted; out-of-bounds payloads are not.
func (f field) extract(raw []byte) ([]byte, error) {
	if f.Len == 0 {
		return nil, nil
	}
	end := int(f.Offset) + int(f.Len)
	if int(f.Offset) > len(raw) || end > len(raw) {
		return nil, errors.New("nla: message field out of bounds")
	}
	return raw[f.Offset:end], nil
}

func checkHeader(r io.Reader, wantType uint32) error {
	sig, err := core.ReadBytes(8, r)
	if err != nil {
		return err
	}
	if !bytes.Equal(sig, ntlmSignature) {
		return errors.New("nla: invalid NTLM signature")
	}
	msgType, err := core.ReadUInt32LE(r)
	if err != nil {
		return err
	}
	if msgType != wantType {
		return fmt.Errorf("nla: unexpected NTLM message type %d", msgType)
	}
	return nil
}

/*************
 NEGOTIATE
*************/

type NegotiateMessage struct {
	Flags       uint32
	Domain      []byte
	Workstation []byte
	Raw         []byte
}

// WriteNegotiateMessage emits a canonical NEGOTIATE blob. Domain and
// workstation are OEM-encoded when supplied.
func WriteNegotiateMessage(flags uint32, domain, workstation []byte) []byte {
	buff := &bytes.Buffer{}
	core.WriteBytes(ntlmSignature, buff)
	core.WriteUInt32LE(messageTypeNegotiate, buff)
	core.WriteUInt32LE(flags, buff)

	offset := negotiateFixedLen
	writeFieldDescriptor(len(domain), offset, buff)
	offset += len(domain)
	writeFieldDescriptor(len(workstation), offset, buff)
	core.WriteBytes(ntlmVersion, buff)

	core.WriteBytes(domain, buff)
	core.WriteBytes(workstation, buff)
	return buff.Bytes()
}

func ParseNegotiateMessage(raw []byte) (*NegotiateMessage, error) {
	r := bytes.NewReader(raw)
	if err := checkHeader(r, messageTypeNegotiate); err != nil {
		return nil, err
	}

	flags, err := core.ReadUInt32LE(r)
	if err != nil {
		return nil, err
	}
	domainFd, err := readFieldDescriptor(r)
	if err != nil {
		return nil, err
	}
	workstationFd, err := readFieldDescriptor(r)
	if err != nil {
		return nil, err
	}

	domain, err := domainFd.extract(raw)
	if err != nil {
		return nil, err
	}
	workstation, err := workstationFd.extract(raw)
	if err != nil {
		return nil, err
	}

	m := &NegotiateMessage{
		Flags:       flags,
		Domain:      domain,
		Workstation: workstation,
		Raw:         append([]byte{}, raw...),
	}
	return m, nil
}

/*************
 CHALLENGE
*************/

type ChallengeMessage struct {
	TargetName      []byte
	Flags           uint32
	ServerChallenge [challengeSize]byte
	TargetInfo      []byte
	Raw             []byte
}

// Timestamp returns the MsvAvTimestamp value from the target info, or
// the current time when the server did not send one.
func (m *ChallengeMessage) Timestamp() uint64 {
	pairs, err := ParseAVPairs(m.TargetInfo)
	if err == nil {
		if v, ok := avPairValue(pairs, MsvAvTimestamp); ok && len(v) == 8 {
			return binary.LittleEndian.Uint64(v)
		}
	}
	return nowFileTime()
}

// WriteChallengeMessage emits a canonical CHALLENGE blob.
func WriteChallengeMessage(flags uint32, targetName []byte, serverChallenge [challengeSize]byte, targetInfo []byte) []byte {
	buff := &bytes.Buffer{}
	core.WriteBytes(ntlmSignature, buff)
	core.WriteUInt32LE(messageTypeChallenge, buff)

	offset := challengeFixedLen
	writeFieldDescriptor(len(targetName), offset, buff)
	offset += len(targetName)
	core.WriteUInt32LE(flags, buff)
	core.WriteBytes(serverChallenge[:], buff)
	core.WriteBytes(make([]byte, 8), buff) // reserved
	writeFieldDescriptor(len(targetInfo), offset, buff)
	core.WriteBytes(ntlmVersion, buff)

	core.WriteBytes(targetName, buff)
	core.WriteBytes(targetInfo, buff)
	return buff.Bytes()
}

func ParseChallengeMessage(raw []byte) (*ChallengeMessage, error) {
	r := bytes.NewReader(raw)
	if err := checkHeader(r, messageTypeChallenge); err != nil {
		return nil, err
	}

	targetNameFd, err := readFieldDescriptor(r)
	if err != nil {
		return nil, err
	}
	flags, err := core.ReadUInt32LE(r)
	if err != nil {
		return nil, err
	}
	challenge, err := core.ReadBytes(challengeSize, r)
	if err != nil {
		return nil, err
	}
	if _, err := core.ReadBytes(8, r); err != nil { // reserved
		return nil, err
	}
	targetInfoFd, err := readFieldDescriptor(r)
	if err != nil {
		return nil, err
	}

	targetName, err := targetNameFd.extract(raw)
	if err != nil {
		return nil, err
	}
	var targetInfo []byte
	if flags&NTLMSSP_NEGOTIATE_TARGET_INFO != 0 {
		if targetInfo, err = targetInfoFd.extract(raw); err != nil {
			return nil, err
		}
	}

	m := &ChallengeMessage{
		TargetName: targetName,
		Flags:      flags,
		TargetInfo: targetInfo,
		Raw:        append([]byte{}, raw...),
	}
	copy(m.ServerChallenge[:], challenge)
	return m, nil
}

/*************
 AUTHENTICATE
*************/

type AuthenticateMessage struct {
	LmResponse                []byte
	NtResponse                []byte
	Domain                    []byte
	User                      []byte
	Workstation               []byte
	EncryptedRandomSessionKey []byte
	Flags                     uint32
	Mic                       [micSize]byte
	HasMic                    bool
	Raw                       []byte
}

// NtProof is the first 16 bytes of the NTv2 response.
func (m *AuthenticateMessage) NtProof() ([]byte, error) {
	if len(m.NtResponse) < 16 {
		return nil, errors.New("nla: NTv2 response is too short")
	}
	return m.NtResponse[:16], nil
}

// Temp is the NTv2 blob the proof was computed over: everything past
// the proof string.
func (m *AuthenticateMessage) Temp() ([]byte, error) {
	if len(m.NtResponse) < 48 {
		return nil, errors.New("nla: NTv2 response is too short")
	}
	return m.NtResponse[16:], nil
}

// UserName decodes the user field per the negotiated encoding.
func (m *AuthenticateMessage) UserName() string {
	if m.Flags&NTLMSSP_NEGOTIATE_UNICODE != 0 {
		return core.UnicodeDecode(m.User)
	}
	return string(m.User)
}

// DomainName decodes the domain field per the negotiated encoding.
func (m *AuthenticateMessage) DomainName() string {
	if m.Flags&NTLMSSP_NEGOTIATE_UNICODE != 0 {
		return core.UnicodeDecode(m.Domain)
	}
	return string(m.Domain)
}

// WriteAuthenticateMessage emits a canonical AUTHENTICATE blob with a
// zeroed MIC placeholder at micOffset; the caller computes the real MIC
// over the chained blobs and splices it in with SpliceMic.
func WriteAuthenticateMessage(flags uint32, lmResponse, ntResponse, domain, user, workstation, encryptedKey []byte) []byte {
	buff := &bytes.Buffer{}
	core.WriteBytes(ntlmSignature, buff)
	core.WriteUInt32LE(messageTypeAuthenticate, buff)

	offset := authenticateFixedLen + micSize
	for _, payload := range [][]byte{lmResponse, ntResponse, domain, user, workstation, encryptedKey} {
		writeFieldDescriptor(len(payload), offset, buff)
		offset += len(payload)
	}
	core.WriteUInt32LE(flags, buff)
	core.WriteBytes(make([]byte, micSize), buff) // MIC placeholder

	core.WriteBytes(lmResponse, buff)
	core.WriteBytes(ntResponse, buff)
	core.WriteBytes(domain, buff)
	core.WriteBytes(user, buff)
	core.WriteBytes(workstation, buff)
	core.WriteBytes(encryptedKey, buff)
	return buff.Bytes()
}

// SpliceMic overwrites the MIC region of an AUTHENTICATE blob in place.
func SpliceMic(raw, mic []byte) error {
	if len(raw) < micOffset+micSize {
		return errors.New("nla: authenticate message has no MIC region")
	}
	copy(raw[micOffset:micOffset+micSize], mic[:micSize])
	return nil
}

// zeroedMic returns a copy of the blob with the MIC region zeroed, the
// form the MIC itself is computed over.
func zeroedMic(raw []byte) []byte {
	out := append([]byte{}, raw...)
	for i := micOffset; i < micOffset+micSize && i < len(out); i++ {
		out[i] = 0
	}
	return out
}

func ParseAuthenticateMessage(raw []byte) (*AuthenticateMessage, error) {
	r := bytes.NewReader(raw)
	if err := checkHeader(r, messageTypeAuthenticate); err != nil {
		return nil, err
	}

	fds := make([]field, 6)
	for i := range fds {
		var err error
		if fds[i], err = readFieldDescriptor(r); err != nil {
			return nil, err
		}
	}
	flags, err := core.ReadUInt32LE(r)
	if err != nil {
		return nil, err
	}

	payloads := make([][]byte, 6)
	payloadStart := len(raw)
	for i, fd := range fds {
		if payloads[i], err = fd.extract(raw); err != nil {
			return nil, err
		}
		if fd.Len > 0 && int(fd.Offset) < payloadStart {
			payloadStart = int(fd.Offset)
		}
	}

	m := &AuthenticateMessage{
		LmResponse:                payloads[0],
		NtResponse:                payloads[1],
		Domain:                    payloads[2],
		User:                      payloads[3],
		Workstation:               payloads[4],
		EncryptedRandomSessionKey: payloads[5],
		Flags:                     flags,
		Raw:                       append([]byte{}, raw...),
	}

	// The MIC occupies the version-block region: it is present when the
	// payload region leaves room for it.
	if payloadStart >= micOffset+micSize && len(raw) >= micOffset+micSize {
		copy(m.Mic[:], raw[micOffset:micOffset+micSize])
		m.HasMic = true
	}

	return m, nil
}
