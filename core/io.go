package core

import (
	"encoding/binary"
	"io"
	"unicode/utf16"
)

func ReadUInt8(r io.Reader) (uint8, error) {
	b := make([]byte, 1)
	_, err := io.ReadFull(r, b)
	return b[0], err
}

func ReadUInt16LE(r io.Reader) (uint16, error) {
	b := make([]byte, 2)
	_, err := io.ReadFull(r, b)
	return binary.LittleEndian.Uint16(b), err
}

func ReadUInt16BE(r io.Reader) (uint16, error) {
	b := make([]byte, 2)
	_, err := io.ReadFull(r, b)
	return binary.BigEndian.Uint16(b), err
}

func ReadUInt32LE(r io.Reader) (uint32, error) {
	b := make([]byte, 4)
	_, err := io.ReadFull(r, b)
	return binary.LittleEndian.Uint32(b), err
}

func ReadUInt64LE(r io.Reader) (uint64, error) {
	b := make([]byte, 8)
	_, err := io.ReadFull(r, b)
	return binary.LittleEndian.Uint64(b), err
}

func ReadBytes(ln int, r io.Reader) ([]byte, error) {
	b := make([]byte, ln)
	_, err := io.ReadFull(r, b)
	return b, err
}

func WriteUInt8(data uint8, w io.Writer) (int, error) {
	return w.Write([]byte{data})
}

func WriteUInt16LE(data uint16, w io.Writer) (int, error) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, data)
	return w.Write(b)
}

func WriteUInt16BE(data uint16, w io.Writer) (int, error) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, data)
	return w.Write(b)
}

func WriteUInt32LE(data uint32, w io.Writer) (int, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, data)
	return w.Write(b)
}

func WriteUInt64LE(data uint64, w io.Writer) (int, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, data)
	return w.Write(b)
}

func WriteBytes(data []byte, w io.Writer) (int, error) {
	return w.Write(data)
}

// UnicodeEncode encodes a string as UTF-16LE, the encoding NTLM bodies use.
func UnicodeEncode(s string) []byte {
	runes := utf16.Encode([]rune(s))
	b := make([]byte, len(runes)*2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(b[i*2:], r)
	}
	return b
}

// UnicodeDecode decodes UTF-16LE bytes. Odd trailing bytes are dropped.
func UnicodeDecode(b []byte) string {
	runes := make([]uint16, len(b)/2)
	for i := range runes {
		runes[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(runes))
}
