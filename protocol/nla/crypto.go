package nla

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"strings"
	"time"

	"golang.org/x/crypto/md4"

	"github.com/nakagami/rdpgate/core"
)

const (
	challengeSize  = 8
	sessionKeySize = 16
)

// Per-direction key derivation magic constants from MS-NLMP 3.4.5.2/3.4.5.3.
const (
	clientSigningMagic = "session key to client-to-server signing key magic constant\x00"
	serverSigningMagic = "session key to server-to-client signing key magic constant\x00"
	clientSealingMagic = "session key to client-to-server sealing key magic constant\x00"
	serverSealingMagic = "session key to server-to-client sealing key magic constant\x00"
)

func MD4(data []byte) []byte {
	h := md4.New()
	h.Write(data)
	return h.Sum(nil)
}

func MD5(data []byte) []byte {
	h := md5.Sum(data)
	return h[:]
}

func HMAC_MD5(key, data []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// RC4K encrypts data under a one-shot RC4 keystream keyed with key.
func RC4K(key, data []byte) ([]byte, error) {
	cipher, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.XORKeyStream(out, data)
	return out, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// NTOWFv2 computes HMAC-MD5(MD4(UTF16LE(password)), UTF16LE(upper(user) || domain)).
func NTOWFv2(password, user, domain string) []byte {
	passHash := MD4(core.UnicodeEncode(password))
	return HMAC_MD5(passHash, core.UnicodeEncode(strings.ToUpper(user)+domain))
}

// LMOWFv2 is the same computation as NTOWFv2.
func LMOWFv2(password, user, domain string) []byte {
	return NTOWFv2(password, user, domain)
}

// ntlmV2Temp builds the NTv2 temp blob: fixed header, timestamp, client
// challenge, reserved, target info copied verbatim from the challenge.
func ntlmV2Temp(timestamp uint64, clientChallenge, targetInfo []byte) []byte {
	buff := &bytes.Buffer{}
	core.WriteUInt8(0x01, buff) // RespType
	core.WriteUInt8(0x01, buff) // HiRespType
	core.WriteBytes(make([]byte, 6), buff)
	core.WriteUInt64LE(timestamp, buff)
	core.WriteBytes(clientChallenge, buff)
	core.WriteBytes(make([]byte, 4), buff)
	core.WriteBytes(targetInfo, buff)
	core.WriteBytes(make([]byte, 4), buff)
	return buff.Bytes()
}

// computeResponseV2 derives the NTv2 and LMv2 responses and the session
// base key for one challenge/response exchange.
func computeResponseV2(respKeyNT, respKeyLM, serverChallenge, clientChallenge []byte,
	timestamp uint64, targetInfo []byte) (ntResponse, lmResponse, sessionBaseKey []byte) {

	temp := ntlmV2Temp(timestamp, clientChallenge, targetInfo)
	ntProof := HMAC_MD5(respKeyNT, append(append([]byte{}, serverChallenge...), temp...))
	ntResponse = append(ntProof, temp...)

	lmProof := HMAC_MD5(respKeyLM, append(append([]byte{}, serverChallenge...), clientChallenge...))
	lmResponse = append(lmProof, clientChallenge...)

	sessionBaseKey = HMAC_MD5(respKeyNT, ntProof)
	return
}

func signingKey(exportedSessionKey []byte, magic string) []byte {
	return MD5(append(append([]byte{}, exportedSessionKey...), magic...))
}

func sealingKey(exportedSessionKey []byte, magic string) []byte {
	return MD5(append(append([]byte{}, exportedSessionKey...), magic...))
}

// nowFileTime returns the current time as a Windows FILETIME: 100ns
// intervals since January 1, 1601.
func nowFileTime() uint64 {
	return uint64(time.Now().UnixNano())/100 + 116444736000000000
}
