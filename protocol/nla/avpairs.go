package nla

import (
	"bytes"
	"errors"

	"github.com/nakagami/rdpgate/core"
)

/**
 * AV_PAIR ids used in challenge target info
 * @see https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-nlmp/83f5e789-660d-4781-8491-5f8c6641f75e
 */
const (
	MsvAvEOL             uint16 = 0x0000
	MsvAvNbComputerName         = 0x0001
	MsvAvNbDomainName           = 0x0002
	MsvAvDnsComputerName        = 0x0003
	MsvAvDnsDomainName          = 0x0004
	MsvAvDnsTreeName            = 0x0005
	MsvAvFlags                  = 0x0006
	MsvAvTimestamp              = 0x0007
)

type AVPair struct {
	Id    uint16
	Value []byte
}

// WriteAVPairs serializes the list and appends the terminating EOL pair.
func WriteAVPairs(pairs []AVPair) []byte {
	buff := &bytes.Buffer{}
	for _, p := range pairs {
		core.WriteUInt16LE(p.Id, buff)
		core.WriteUInt16LE(uint16(len(p.Value)), buff)
		core.WriteBytes(p.Value, buff)
	}
	core.WriteUInt16LE(MsvAvEOL, buff)
	core.WriteUInt16LE(0, buff)
	return buff.Bytes()
}

// ParseAVPairs reads pairs up to and excluding the EOL terminator.
func ParseAVPairs(data []byte) ([]AVPair, error) {
	var pairs []AVPair
	offset := 0
	for {
		if offset+4 > len(data) {
			return nil, errors.New("nla: av pair list is not terminated")
		}
		id := uint16(data[offset]) | uint16(data[offset+1])<<8
		ln := int(uint16(data[offset+2]) | uint16(data[offset+3])<<8)
		offset += 4
		if id == MsvAvEOL {
			return pairs, nil
		}
		if offset+ln > len(data) {
			return nil, errors.New("nla: av pair value out of bounds")
		}
		pairs = append(pairs, AVPair{Id: id, Value: data[offset : offset+ln]})
		offset += ln
	}
}

// avPairValue returns the value of the first pair with the given id.
func avPairValue(pairs []AVPair, id uint16) ([]byte, bool) {
	for _, p := range pairs {
		if p.Id == id {
			return p.Value, true
		}
	}
	return nil, false
}
