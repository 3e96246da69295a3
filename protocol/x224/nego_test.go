package x224

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNegotiationRequestCookieOnly(t *testing.T) {
	payload := []byte("Cookie: mstshash=user\r\n")

	negoData, protocol, flags, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, payload)
	require.NoError(t, err)
	require.NotNil(t, negoData)
	assert.Equal(t, NEGO_COOKIE, negoData.Type)
	assert.Equal(t, "user", negoData.Value)
	assert.Equal(t, PROTOCOL_RDP, protocol)
	assert.Equal(t, uint8(0), flags)
}

func TestParseNegotiationRequestCookieWithSSL(t *testing.T) {
	payload := append([]byte("Cookie: mstshash=user\r\n"),
		0x01, 0x00, 0x08, 0x00, 0x01, 0x00, 0x00, 0x00)

	negoData, protocol, flags, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, payload)
	require.NoError(t, err)
	require.NotNil(t, negoData)
	assert.Equal(t, NEGO_COOKIE, negoData.Type)
	assert.Equal(t, "user", negoData.Value)
	assert.Equal(t, uint32(PROTOCOL_SSL), protocol)
	assert.Equal(t, uint8(0), flags)
}

func TestParseNegotiationRequestRoutingTokenTakesPrecedence(t *testing.T) {
	payload := []byte("Cookie: msts=3640205228.15629.0000\r\n")

	negoData, protocol, _, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, payload)
	require.NoError(t, err)
	require.NotNil(t, negoData)
	assert.Equal(t, NEGO_ROUTING_TOKEN, negoData.Type)
	assert.Equal(t, "3640205228.15629.0000", negoData.Value)
	assert.Equal(t, PROTOCOL_RDP, protocol)
}

func TestParseNegotiationRequestWithoutPrologue(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00}

	negoData, protocol, _, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, payload)
	require.NoError(t, err)
	assert.Nil(t, negoData)
	assert.Equal(t, uint32(PROTOCOL_HYBRID), protocol)
}

func TestParseNegotiationRequestLegacyClient(t *testing.T) {
	negoData, protocol, flags, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, nil)
	require.NoError(t, err)
	assert.Nil(t, negoData)
	assert.Equal(t, PROTOCOL_RDP, protocol)
	assert.Equal(t, uint8(0), flags)
}

func TestParseNegotiationRequestUnterminatedPrologue(t *testing.T) {
	_, _, _, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, []byte("Cookie: mstshash=user"))
	assert.Error(t, err)
}

func TestParseNegotiationRequestTrailingBytes(t *testing.T) {
	payload := append([]byte("Cookie: mstshash=user\r\n"),
		0x01, 0x00, 0x08, 0x00, 0x01, 0x00, 0x00, 0x00, 0xFF)

	_, _, _, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, payload)
	assert.Error(t, err)
}

func TestParseNegotiationRequestWrongCode(t *testing.T) {
	_, _, _, err := ParseNegotiationRequest(TPDU_CONNECTION_CONFIRM, []byte("Cookie: mstshash=user\r\n"))
	assert.Error(t, err)
}

func TestParseNegotiationRequestBadType(t *testing.T) {
	payload := []byte{0x02, 0x00, 0x08, 0x00, 0x01, 0x00, 0x00, 0x00}
	_, _, _, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, payload)
	assert.Error(t, err)
}

func TestWriteNegotiationRequestRoundTrip(t *testing.T) {
	buff := &bytes.Buffer{}
	flags := uint8(RESTRICTED_ADMIN_MODE_REQUIRED)
	require.NoError(t, WriteNegotiationRequest(buff, "user", PROTOCOL_HYBRID, flags))

	negoData, protocol, gotFlags, err := ParseNegotiationRequest(TPDU_CONNECTION_REQUEST, buff.Bytes())
	require.NoError(t, err)
	require.NotNil(t, negoData)
	assert.Equal(t, NEGO_COOKIE, negoData.Type)
	assert.Equal(t, "user", negoData.Value)
	assert.Equal(t, uint32(PROTOCOL_HYBRID), protocol)
	assert.Equal(t, flags, gotFlags)
}

func TestWriteNegotiationRequestPlainRDPOmitsNegData(t *testing.T) {
	buff := &bytes.Buffer{}
	require.NoError(t, WriteNegotiationRequest(buff, "user", PROTOCOL_RDP, 0))
	assert.Equal(t, []byte("Cookie: mstshash=user\r\n"), buff.Bytes())
}

func TestParseNegotiationResponse(t *testing.T) {
	payload := []byte{0x02, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00}

	protocol, flags, err := ParseNegotiationResponse(TPDU_CONNECTION_CONFIRM, payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(PROTOCOL_HYBRID), protocol)
	assert.Equal(t, uint8(0), flags)
}

func TestParseNegotiationResponseFailure(t *testing.T) {
	payload := []byte{0x03, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00}

	_, _, err := ParseNegotiationResponse(TPDU_CONNECTION_CONFIRM, payload)
	require.Error(t, err)

	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, uint32(SSL_NOT_ALLOWED_BY_SERVER), negErr.Code)
}

func TestParseNegotiationResponseWrongCode(t *testing.T) {
	payload := []byte{0x02, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00}
	_, _, err := ParseNegotiationResponse(TPDU_CONNECTION_REQUEST, payload)
	assert.Error(t, err)
}

func TestParseNegotiationResponseBadType(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00}
	_, _, err := ParseNegotiationResponse(TPDU_CONNECTION_CONFIRM, payload)
	assert.Error(t, err)
}

func TestWriteNegotiationResponseLayout(t *testing.T) {
	buff := &bytes.Buffer{}
	require.NoError(t, WriteNegotiationResponse(buff, EXTENDED_CLIENT_DATA_SUPPORTED, PROTOCOL_HYBRID))
	assert.Equal(t, []byte{0x02, 0x01, 0x08, 0x00, 0x02, 0x00, 0x00, 0x00}, buff.Bytes())
}

func TestWriteNegotiationFailureMasksHighBit(t *testing.T) {
	buff := &bytes.Buffer{}
	require.NoError(t, WriteNegotiationFailure(buff, 0x80000000|HYBRID_REQUIRED_BY_SERVER))
	assert.Equal(t, []byte{0x03, 0x00, 0x08, 0x00, 0x05, 0x00, 0x00, 0x00}, buff.Bytes())
}
