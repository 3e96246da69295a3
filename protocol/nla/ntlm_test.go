package nla

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCredentials struct {
	password string
	err      error
}

func (s *stubCredentials) PasswordByUser(username, domain string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.password, nil
}

func TestInitializeSecurityContextWrongStates(t *testing.T) {
	for _, state := range []NtlmState{STATE_NEGOTIATE, STATE_AUTHENTICATE, STATE_COMPLETION, STATE_FINAL} {
		c := NewNTLMv2("Domain", "User", "Password")
		c.state = state

		_, _, err := c.InitializeSecurityContext(nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, state, c.state)
	}
}

func TestAcceptSecurityContextWrongStates(t *testing.T) {
	for _, state := range []NtlmState{STATE_NEGOTIATE, STATE_CHALLENGE, STATE_COMPLETION, STATE_FINAL} {
		c := NewNTLMv2Server(&stubCredentials{password: "Password"})
		c.state = state

		_, _, err := c.AcceptSecurityContext(nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, state, c.state)
	}
}

func TestCompleteAuthTokenWrongState(t *testing.T) {
	c := NewNTLMv2Server(&stubCredentials{password: "Password"})
	c.state = STATE_AUTHENTICATE

	assert.ErrorIs(t, c.CompleteAuthToken(), ErrInvalidState)
	assert.Equal(t, STATE_AUTHENTICATE, c.state)
}

func TestInitializeSecurityContextWritesNegotiateMessage(t *testing.T) {
	c := NewNTLMv2("Domain", "User", "Password")

	out, status, err := c.InitializeSecurityContext(nil)
	require.NoError(t, err)
	assert.Equal(t, STATUS_CONTINUE_NEEDED, status)
	assert.Equal(t, STATE_CHALLENGE, c.state)
	assert.NotEmpty(t, out)
	assert.Equal(t, []byte("NTLMSSP\x00"), out[:8])
}

func TestInitializeSecurityContextRejectsMalformedChallenge(t *testing.T) {
	c := NewNTLMv2("Domain", "User", "Password")
	_, _, err := c.InitializeSecurityContext(nil)
	require.NoError(t, err)

	_, _, err = c.InitializeSecurityContext([]byte("not an ntlm message"))
	assert.Error(t, err)
	assert.Equal(t, STATE_CHALLENGE, c.state)
}

func TestAcceptSecurityContextRejectsMalformedNegotiate(t *testing.T) {
	c := NewNTLMv2Server(&stubCredentials{password: "Password"})

	_, _, err := c.AcceptSecurityContext([]byte("not an ntlm message"))
	assert.Error(t, err)
	assert.Equal(t, STATE_INITIAL, c.state)
}

func TestAcceptSecurityContextWritesChallengeMessage(t *testing.T) {
	initiator := NewNTLMv2("Domain", "User", "Password")
	negotiate, _, err := initiator.InitializeSecurityContext(nil)
	require.NoError(t, err)

	acceptor := NewNTLMv2Server(&stubCredentials{password: "Password"})
	challenge, status, err := acceptor.AcceptSecurityContext(negotiate)
	require.NoError(t, err)
	assert.Equal(t, STATUS_CONTINUE_NEEDED, status)
	assert.Equal(t, STATE_AUTHENTICATE, acceptor.state)
	assert.NotEmpty(t, challenge)

	parsed, err := ParseChallengeMessage(challenge)
	require.NoError(t, err)
	assert.NotZero(t, parsed.Flags&NTLMSSP_NEGOTIATE_TARGET_INFO)
	assert.NotEmpty(t, parsed.TargetInfo)
}

func handshake(t *testing.T, initiator, acceptor *NTLMv2) error {
	t.Helper()

	negotiate, status, err := initiator.InitializeSecurityContext(nil)
	require.NoError(t, err)
	require.Equal(t, STATUS_CONTINUE_NEEDED, status)

	challenge, status, err := acceptor.AcceptSecurityContext(negotiate)
	if err != nil {
		return err
	}
	require.Equal(t, STATUS_CONTINUE_NEEDED, status)

	authenticate, status, err := initiator.InitializeSecurityContext(challenge)
	require.NoError(t, err)
	require.Equal(t, STATUS_COMPLETE_NEEDED, status)
	require.Equal(t, STATE_FINAL, initiator.state)

	if _, _, err := acceptor.AcceptSecurityContext(authenticate); err != nil {
		return err
	}
	return acceptor.CompleteAuthToken()
}

func TestFullHandshake(t *testing.T) {
	initiator := NewNTLMv2("Domain", "User", "Password")
	acceptor := NewNTLMv2Server(&stubCredentials{password: "Password"})

	require.NoError(t, handshake(t, initiator, acceptor))
	assert.Equal(t, STATE_FINAL, initiator.State())
	assert.Equal(t, STATE_FINAL, acceptor.State())
	assert.Equal(t, "User", acceptor.User())

	// both directions of the sealed channel line up
	sealed, err := initiator.Seal([]byte("client to server"))
	require.NoError(t, err)
	got, err := acceptor.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("client to server"), got)

	sealed, err = acceptor.Seal([]byte("server to client"))
	require.NoError(t, err)
	got, err = initiator.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("server to client"), got)
}

func TestFullHandshakeWithoutDomain(t *testing.T) {
	initiator := NewNTLMv2("", "someone", "s3cr3t")
	acceptor := NewNTLMv2Server(&stubCredentials{password: "s3cr3t"})

	require.NoError(t, handshake(t, initiator, acceptor))
	assert.Equal(t, STATE_FINAL, acceptor.State())
	assert.Equal(t, "someone", acceptor.User())
}

func TestHandshakeFailsOnUnknownUser(t *testing.T) {
	initiator := NewNTLMv2("Domain", "User", "Password")
	acceptor := NewNTLMv2Server(&stubCredentials{err: errors.New("not found")})

	err := handshake(t, initiator, acceptor)
	assert.Error(t, err)
	assert.Equal(t, STATE_AUTHENTICATE, acceptor.State())
}

func TestHandshakeFailsOnWrongPassword(t *testing.T) {
	initiator := NewNTLMv2("Domain", "User", "wrong")
	acceptor := NewNTLMv2Server(&stubCredentials{password: "Password"})

	err := handshake(t, initiator, acceptor)
	assert.Error(t, err)
	assert.NotEqual(t, STATE_FINAL, acceptor.State())
}

func TestHandshakeFailsOnTamperedAuthenticate(t *testing.T) {
	initiator := NewNTLMv2("Domain", "User", "Password")
	acceptor := NewNTLMv2Server(&stubCredentials{password: "Password"})

	negotiate, _, err := initiator.InitializeSecurityContext(nil)
	require.NoError(t, err)
	challenge, _, err := acceptor.AcceptSecurityContext(negotiate)
	require.NoError(t, err)
	authenticate, _, err := initiator.InitializeSecurityContext(challenge)
	require.NoError(t, err)

	// flip one bit of the MIC
	authenticate[64] ^= 0x01

	_, _, err = acceptor.AcceptSecurityContext(authenticate)
	assert.Error(t, err)
	assert.Equal(t, STATE_AUTHENTICATE, acceptor.State())
}

func TestHandshakeRetainsMessageBlobs(t *testing.T) {
	initiator := NewNTLMv2("Domain", "User", "Password")
	acceptor := NewNTLMv2Server(&stubCredentials{password: "Password"})

	require.NoError(t, handshake(t, initiator, acceptor))

	require.NotNil(t, initiator.negotiateMessage)
	require.NotNil(t, acceptor.negotiateMessage)
	assert.Equal(t, initiator.negotiateMessage.Raw, acceptor.negotiateMessage.Raw)
	assert.Equal(t, initiator.challengeMessage.Raw, acceptor.challengeMessage.Raw)
	assert.Equal(t, initiator.authenticateMessage.Raw, acceptor.authenticateMessage.Raw)
	assert.Equal(t, initiator.exportedSessionKey, acceptor.exportedSessionKey)
}
