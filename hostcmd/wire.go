package hostcmd

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/rwhash"
)

// Command IDs.
const (
	CmdUSBPDPorts  uint16 = 0x0102
	CmdRWHashEntry uint16 = 0x0116
	CmdPDChipInfo  uint16 = 0x0119
)

// All wire structures are packed and little endian.

// PortsResponse is the response of CmdUSBPDPorts.
type PortsResponse struct {
	NumPorts uint8
}

// ChipInfoParams are the parameters of CmdPDChipInfo.
type ChipInfoParams struct {
	Port uint8
	Live uint8 // non-zero to read the chip instead of the cache
}

// ChipInfoV0 is the response of CmdPDChipInfo version 0.
type ChipInfoV0 struct {
	VendorID  uint16
	ProductID uint16
	DeviceID  uint16
	FWVersion uint64
}

// ChipInfoV1 is the response of CmdPDChipInfo version 1. It starts with the
// layout of ChipInfoV0.
type ChipInfoV1 struct {
	ChipInfoV0
	MinReqFWVersion uint64
}

// RWHashEntryParams are the parameters of CmdRWHashEntry.
type RWHashEntryParams struct {
	DevID     uint32
	Hash      [rwhash.HashSize]byte
	ImageInfo uint32
}

// Wire sizes.
var (
	SizeChipInfoParams    = binary.Size(ChipInfoParams{})
	SizeChipInfoV0        = binary.Size(ChipInfoV0{})
	SizeChipInfoV1        = binary.Size(ChipInfoV1{})
	SizeRWHashEntryParams = binary.Size(RWHashEntryParams{})
)

// Encode returns the wire form of v.
func Encode(v any) []byte {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("hostcmd: encode %T: %v", v, err))
	}
	return b.Bytes()
}

// Decode reads the wire form of v from b. usbc.ErrInvalidParam is returned
// unless b is exactly the size of v.
func Decode(b []byte, v any) error {
	if n := binary.Size(v); n < 0 || len(b) != n {
		return fmt.Errorf("%w: %d byte params, want %d", usbc.ErrInvalidParam, len(b), n)
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}
