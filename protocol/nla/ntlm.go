package nla

import (
	"crypto/hmac"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nakagami/rdpgate/core"
)

/**
 * NTLMv2 security provider
 * @see https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-nlmp/5e550938-91d4-459f-b67d-75d70009e3f3
 */

// NtlmState is the linear progression of one authentication exchange.
type NtlmState int

const (
	STATE_INITIAL NtlmState = iota
	STATE_NEGOTIATE
	STATE_CHALLENGE
	STATE_AUTHENTICATE
	STATE_COMPLETION
	STATE_FINAL
)

// SecurityStatus is the SSPI-style step result.
type SecurityStatus int

const (
	STATUS_CONTINUE_NEEDED SecurityStatus = iota
	STATUS_COMPLETE_NEEDED
)

var ErrInvalidState = errors.New("nla: call does not match context state")

// CredentialsProxy resolves the password of an externally identified
// principal.
type CredentialsProxy interface {
	PasswordByUser(username, domain string) (string, error)
}

// defaultTargetName is what the acceptor advertises in challenge target
// info when no name is configured.
const defaultTargetName = "RDPGATE"

// NTLMv2 is a stateful NTLM context: one authenticated leg, either the
// initiator or the acceptor side. It is not safe for concurrent use.
type NTLMv2 struct {
	domain      string
	user        string
	password    string
	workstation string
	targetName  string
	credentials CredentialsProxy

	state NtlmState
	flags uint32

	// the three message blobs are retained verbatim; the MIC chains
	// over them without re-serialization
	negotiateMessage    *NegotiateMessage
	challengeMessage    *ChallengeMessage
	authenticateMessage *AuthenticateMessage

	serverChallenge [challengeSize]byte
	clientChallenge [challengeSize]byte

	sessionBaseKey     []byte
	exportedSessionKey []byte

	sendSigningKey []byte
	recvSigningKey []byte
	sendSealingKey []byte
	recvSealingKey []byte
	sendStream     *rc4.Cipher
	recvStream     *rc4.Cipher

	sendSeqNum uint32
	recvSeqNum uint32
}

// NewNTLMv2 creates an initiator context that authenticates with the
// given credentials.
func NewNTLMv2(domain, user, password string) *NTLMv2 {
	return &NTLMv2{
		domain:   domain,
		user:     user,
		password: password,
		state:    STATE_INITIAL,
	}
}

// NewNTLMv2Server creates an acceptor context; passwords are resolved
// through the credentials proxy.
func NewNTLMv2Server(credentials CredentialsProxy) *NTLMv2 {
	return &NTLMv2{
		credentials: credentials,
		targetName:  defaultTargetName,
		state:       STATE_INITIAL,
	}
}

// State returns the current position in the handshake.
func (c *NTLMv2) State() NtlmState {
	return c.state
}

// User returns the authenticated username (acceptor side: from the
// AUTHENTICATE message).
func (c *NTLMv2) User() string {
	return c.user
}

// InitializeSecurityContext drives the initiator: from Initial it emits
// NEGOTIATE, from Challenge it consumes CHALLENGE and emits
// AUTHENTICATE. A failed step leaves the context untouched.
func (c *NTLMv2) InitializeSecurityContext(input []byte) ([]byte, SecurityStatus, error) {
	switch c.state {
	case STATE_INITIAL:
		blob := WriteNegotiateMessage(negotiateFlagsDefault, nil, nil)
		c.negotiateMessage = &NegotiateMessage{Flags: negotiateFlagsDefault, Raw: blob}
		c.state = STATE_CHALLENGE
		return blob, STATUS_CONTINUE_NEEDED, nil

	case STATE_CHALLENGE:
		blob, err := c.processChallenge(input)
		if err != nil {
			return nil, 0, err
		}
		return blob, STATUS_COMPLETE_NEEDED, nil

	default:
		return nil, 0, fmt.Errorf("%w: initialize in state %d", ErrInvalidState, c.state)
	}
}

func (c *NTLMv2) processChallenge(input []byte) ([]byte, error) {
	challenge, err := ParseChallengeMessage(input)
	if err != nil {
		return nil, err
	}
	if c.negotiateMessage == nil {
		return nil, errors.New("nla: negotiate message was not sent")
	}

	flags := challenge.Flags
	clientChallenge, err := randomBytes(challengeSize)
	if err != nil {
		return nil, err
	}
	timestamp := challenge.Timestamp()

	respKeyNT := NTOWFv2(c.password, c.user, c.domain)
	respKeyLM := LMOWFv2(c.password, c.user, c.domain)
	ntResponse, lmResponse, sessionBaseKey := computeResponseV2(
		respKeyNT, respKeyLM, challenge.ServerChallenge[:], clientChallenge,
		timestamp, challenge.TargetInfo)

	// NTLMv2: the key exchange key is the session base key
	keyExchangeKey := sessionBaseKey
	var exportedSessionKey, encryptedKey []byte
	if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		if exportedSessionKey, err = randomBytes(sessionKeySize); err != nil {
			return nil, err
		}
		if encryptedKey, err = RC4K(keyExchangeKey, exportedSessionKey); err != nil {
			return nil, err
		}
	} else {
		exportedSessionKey = keyExchangeKey
	}

	domain, user, workstation := c.encodedNames(flags)
	authBlob := WriteAuthenticateMessage(flags, lmResponse, ntResponse,
		domain, user, workstation, encryptedKey)

	// the blob still carries the zeroed placeholder here
	mic := c.computeMic(exportedSessionKey, c.negotiateMessage.Raw, challenge.Raw, authBlob)
	if err := SpliceMic(authBlob, mic); err != nil {
		return nil, err
	}

	sendStream, recvStream, err := newSealingStreams(exportedSessionKey, true)
	if err != nil {
		return nil, err
	}

	c.challengeMessage = challenge
	c.authenticateMessage = &AuthenticateMessage{Flags: flags, Raw: authBlob}
	c.flags = flags
	copy(c.serverChallenge[:], challenge.ServerChallenge[:])
	copy(c.clientChallenge[:], clientChallenge)
	c.sessionBaseKey = sessionBaseKey
	c.exportedSessionKey = exportedSessionKey
	c.sendSigningKey = signingKey(exportedSessionKey, clientSigningMagic)
	c.recvSigningKey = signingKey(exportedSessionKey, serverSigningMagic)
	c.sendSealingKey = sealingKey(exportedSessionKey, clientSealingMagic)
	c.recvSealingKey = sealingKey(exportedSessionKey, serverSealingMagic)
	c.sendStream = sendStream
	c.recvStream = recvStream
	c.state = STATE_FINAL
	return authBlob, nil
}

// AcceptSecurityContext drives the acceptor: from Initial it consumes
// NEGOTIATE and emits CHALLENGE, from Authenticate it consumes
// AUTHENTICATE and prepares completion. A failed step leaves the
// context untouched.
func (c *NTLMv2) AcceptSecurityContext(input []byte) ([]byte, SecurityStatus, error) {
	switch c.state {
	case STATE_INITIAL:
		blob, err := c.processNegotiate(input)
		if err != nil {
			return nil, 0, err
		}
		return blob, STATUS_CONTINUE_NEEDED, nil

	case STATE_AUTHENTICATE:
		if err := c.processAuthenticate(input); err != nil {
			return nil, 0, err
		}
		return nil, STATUS_COMPLETE_NEEDED, nil

	default:
		return nil, 0, fmt.Errorf("%w: accept in state %d", ErrInvalidState, c.state)
	}
}

func (c *NTLMv2) processNegotiate(input []byte) ([]byte, error) {
	negotiate, err := ParseNegotiateMessage(input)
	if err != nil {
		return nil, err
	}

	flags := negotiate.Flags&(negotiateFlagsDefault|NTLM_NEGOTIATE_OEM) | NTLMSSP_NEGOTIATE_TARGET_INFO
	serverChallenge, err := randomBytes(challengeSize)
	if err != nil {
		return nil, err
	}

	targetName := c.encodedTargetName(flags)
	timestamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(timestamp, nowFileTime())
	targetInfo := WriteAVPairs([]AVPair{
		{MsvAvNbDomainName, targetName},
		{MsvAvNbComputerName, targetName},
		{MsvAvDnsDomainName, targetName},
		{MsvAvDnsComputerName, targetName},
		{MsvAvTimestamp, timestamp},
	})

	var challengeBuf [challengeSize]byte
	copy(challengeBuf[:], serverChallenge)
	blob := WriteChallengeMessage(flags, targetName, challengeBuf, targetInfo)

	challenge, err := ParseChallengeMessage(blob)
	if err != nil {
		return nil, err
	}

	c.negotiateMessage = negotiate
	c.challengeMessage = challenge
	c.flags = flags
	copy(c.serverChallenge[:], serverChallenge)
	c.state = STATE_AUTHENTICATE
	return blob, nil
}

func (c *NTLMv2) processAuthenticate(input []byte) error {
	auth, err := ParseAuthenticateMessage(input)
	if err != nil {
		return err
	}

	user := auth.UserName()
	domain := auth.DomainName()
	password, err := c.credentials.PasswordByUser(user, domain)
	if err != nil {
		return fmt.Errorf("nla: unknown user %q: %w", user, err)
	}

	proof, err := auth.NtProof()
	if err != nil {
		return err
	}
	if _, err := auth.Temp(); err != nil {
		return err
	}

	respKeyNT := NTOWFv2(password, user, domain)
	sessionBaseKey := HMAC_MD5(respKeyNT, proof)
	keyExchangeKey := sessionBaseKey

	var exportedSessionKey []byte
	if auth.Flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		if len(auth.EncryptedRandomSessionKey) != sessionKeySize {
			return errors.New("nla: missing encrypted random session key")
		}
		if exportedSessionKey, err = RC4K(keyExchangeKey, auth.EncryptedRandomSessionKey); err != nil {
			return err
		}
	} else {
		if len(auth.EncryptedRandomSessionKey) != 0 {
			return errors.New("nla: unexpected encrypted random session key")
		}
		exportedSessionKey = keyExchangeKey
	}

	if auth.HasMic {
		expected := c.computeMic(exportedSessionKey,
			c.negotiateMessage.Raw, c.challengeMessage.Raw, zeroedMic(auth.Raw))
		if !hmac.Equal(expected, auth.Mic[:]) {
			return errors.New("nla: MIC verification failed")
		}
	}

	sendStream, recvStream, err := newSealingStreams(exportedSessionKey, false)
	if err != nil {
		return err
	}

	c.authenticateMessage = auth
	c.user = user
	c.domain = domain
	c.password = password
	c.flags = auth.Flags
	c.sessionBaseKey = sessionBaseKey
	c.exportedSessionKey = exportedSessionKey
	c.sendSigningKey = signingKey(exportedSessionKey, serverSigningMagic)
	c.recvSigningKey = signingKey(exportedSessionKey, clientSigningMagic)
	c.sendSealingKey = sealingKey(exportedSessionKey, serverSealingMagic)
	c.recvSealingKey = sealingKey(exportedSessionKey, clientSealingMagic)
	c.sendStream = sendStream
	c.recvStream = recvStream
	c.state = STATE_COMPLETION
	return nil
}

// CompleteAuthToken validates the NTv2 proof against the principal's
// password and finishes the acceptor handshake.
func (c *NTLMv2) CompleteAuthToken() error {
	if c.state != STATE_COMPLETION {
		return fmt.Errorf("%w: complete in state %d", ErrInvalidState, c.state)
	}

	proof, err := c.authenticateMessage.NtProof()
	if err != nil {
		return err
	}
	temp, err := c.authenticateMessage.Temp()
	if err != nil {
		return err
	}

	respKeyNT := NTOWFv2(c.password, c.user, c.domain)
	expected := HMAC_MD5(respKeyNT, append(append([]byte{}, c.serverChallenge[:]...), temp...))
	if !hmac.Equal(expected, proof) {
		return errors.New("nla: NTv2 response verification failed")
	}

	c.state = STATE_FINAL
	return nil
}

func (c *NTLMv2) computeMic(exportedSessionKey, negotiate, challenge, authenticate []byte) []byte {
	chained := make([]byte, 0, len(negotiate)+len(challenge)+len(authenticate))
	chained = append(chained, negotiate...)
	chained = append(chained, challenge...)
	chained = append(chained, authenticate...)
	return HMAC_MD5(exportedSessionKey, chained)[:micSize]
}

func (c *NTLMv2) encodedNames(flags uint32) (domain, user, workstation []byte) {
	if flags&NTLMSSP_NEGOTIATE_UNICODE != 0 {
		return core.UnicodeEncode(c.domain), core.UnicodeEncode(c.user), core.UnicodeEncode(c.workstation)
	}
	return []byte(c.domain), []byte(c.user), []byte(c.workstation)
}

func (c *NTLMv2) encodedTargetName(flags uint32) []byte {
	if flags&NTLMSSP_NEGOTIATE_UNICODE != 0 {
		return core.UnicodeEncode(c.targetName)
	}
	return []byte(c.targetName)
}

// newSealingStreams seeds the per-direction RC4 streams. The initiator
// sends under the client sealing key, the acceptor under the server one.
func newSealingStreams(exportedSessionKey []byte, initiator bool) (send, recv *rc4.Cipher, err error) {
	clientSeal := sealingKey(exportedSessionKey, clientSealingMagic)
	serverSeal := sealingKey(exportedSessionKey, serverSealingMagic)
	if !initiator {
		clientSeal, serverSeal = serverSeal, clientSeal
	}
	if send, err = rc4.NewCipher(clientSeal); err != nil {
		return nil, nil, err
	}
	if recv, err = rc4.NewCipher(serverSeal); err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}
