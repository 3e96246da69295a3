package nla

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/nakagami/rdpgate/core"
)

/**
 * Sealed-envelope service over an authenticated context
 * @see https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-nlmp/115f9c7d-bc30-4262-ae96-254555c14ea6
 */

const (
	// SignatureSize is the length of the NTLMSSP_MESSAGE_SIGNATURE
	// prepended to every sealed message.
	SignatureSize = 16

	signatureVersion uint32 = 0x00000001
)

// EncryptMessage seals plaintext under the send keys: a 16-byte
// signature (version, RC4-encrypted HMAC checksum, sequence number)
// followed by the RC4 ciphertext. The send RC4 stream is stateful
// across calls.
func (c *NTLMv2) EncryptMessage(plaintext []byte, seqNum uint32) ([]byte, error) {
	if c.sendStream == nil {
		return nil, errors.New("nla: send sealing key is not established")
	}

	ciphertext := make([]byte, len(plaintext))
	c.sendStream.XORKeyStream(ciphertext, plaintext)

	seq := make([]byte, 4)
	seq[0] = byte(seqNum)
	seq[1] = byte(seqNum >> 8)
	seq[2] = byte(seqNum >> 16)
	seq[3] = byte(seqNum >> 24)

	digest := HMAC_MD5(c.sendSigningKey, append(append([]byte{}, seq...), plaintext...))
	checksum := make([]byte, 8)
	c.sendStream.XORKeyStream(checksum, digest[:8])

	buff := &bytes.Buffer{}
	core.WriteUInt32LE(signatureVersion, buff)
	core.WriteBytes(checksum, buff)
	core.WriteBytes(seq, buff)
	core.WriteBytes(ciphertext, buff)
	return buff.Bytes(), nil
}

// DecryptMessage opens a sealed message with the recv keys and verifies
// its signature bit for bit: version, checksum and sequence number.
func (c *NTLMv2) DecryptMessage(sealed []byte, seqNum uint32) ([]byte, error) {
	if c.recvStream == nil {
		return nil, errors.New("nla: recv sealing key is not established")
	}
	if len(sealed) < SignatureSize {
		return nil, errors.New("nla: sealed message is too short")
	}

	r := bytes.NewReader(sealed)
	version, _ := core.ReadUInt32LE(r)
	if version != signatureVersion {
		return nil, fmt.Errorf("nla: unsupported message signature version %d", version)
	}
	checksum, _ := core.ReadBytes(8, r)
	msgSeqNum, _ := core.ReadUInt32LE(r)

	plaintext := make([]byte, len(sealed)-SignatureSize)
	c.recvStream.XORKeyStream(plaintext, sealed[SignatureSize:])

	seq := make([]byte, 4)
	seq[0] = byte(seqNum)
	seq[1] = byte(seqNum >> 8)
	seq[2] = byte(seqNum >> 16)
	seq[3] = byte(seqNum >> 24)

	digest := HMAC_MD5(c.recvSigningKey, append(append([]byte{}, seq...), plaintext...))
	expected := make([]byte, 8)
	c.recvStream.XORKeyStream(expected, digest[:8])

	if msgSeqNum != seqNum {
		return nil, errors.New("nla: message sequence number mismatch")
	}
	if !hmac.Equal(checksum, expected) {
		return nil, errors.New("nla: message signature verification failed")
	}

	return plaintext, nil
}

// Seal encrypts with the context's own send counter and advances it.
func (c *NTLMv2) Seal(plaintext []byte) ([]byte, error) {
	out, err := c.EncryptMessage(plaintext, c.sendSeqNum)
	if err != nil {
		return nil, err
	}
	c.sendSeqNum++
	return out, nil
}

// Unseal decrypts with the context's own recv counter and advances it.
func (c *NTLMv2) Unseal(sealed []byte) ([]byte, error) {
	out, err := c.DecryptMessage(sealed, c.recvSeqNum)
	if err != nil {
		return nil, err
	}
	c.recvSeqNum++
	return out, nil
}
