package sim

import (
	"fmt"

	"sdio/core"
)

// Card register defaults shared by the builders
const (
	defaultTAAC      = 0x0E
	defaultTranSpeed = 0x32 // 25 MHz
	defaultCCC       = 0x5B5
	defaultR2W       = 2
)

// setBits stores v into bits hi..lo of a 128-bit register image, raw[0] holding bits 31:0
func setBits(raw *[4]uint32, hi, lo uint, v uint32) {
	for i := lo; i <= hi; i++ {
		bit := (v >> (i - lo)) & 1
		raw[i/32] &^= 1 << (i % 32)
		raw[i/32] |= bit << (i % 32)
	}
}

func csdCommon(raw *[4]uint32, structure uint32, readBlLen uint32) {
	setBits(raw, 127, 126, structure)
	setBits(raw, 119, 112, defaultTAAC)
	setBits(raw, 103, 96, defaultTranSpeed)
	setBits(raw, 95, 84, defaultCCC)
	setBits(raw, 83, 80, readBlLen)
	setBits(raw, 46, 46, 1)    // ERASE_BLK_EN
	setBits(raw, 45, 39, 0x7F) // SECTOR_SIZE
	setBits(raw, 28, 26, defaultR2W)
	setBits(raw, 25, 22, 9) // WRITE_BL_LEN
	setBits(raw, 7, 1, 0x01)
	setBits(raw, 0, 0, 1)
}

// CSDV1 builds a standard capacity CSD:
// size = (cSize+1) * 2^(mult+2) * 2^readBlLen
func CSDV1(cSize, mult, readBlLen uint32) [4]uint32 {
	var raw [4]uint32
	csdCommon(&raw, core.CSDVersion1, readBlLen)
	setBits(&raw, 73, 62, cSize)
	setBits(&raw, 61, 59, 7)
	setBits(&raw, 58, 56, 6)
	setBits(&raw, 55, 53, 7)
	setBits(&raw, 52, 50, 6)
	setBits(&raw, 49, 47, mult)
	return raw
}

// CSDV2 builds a high/extended capacity CSD: size = (cSize+1) * 512 KiB
func CSDV2(cSize uint32) [4]uint32 {
	var raw [4]uint32
	csdCommon(&raw, core.CSDVersion2, 9)
	setBits(&raw, 69, 48, cSize)
	return raw
}

// CSDV3 builds an ultra capacity CSD: size = (cSize+1) * 512 KiB
func CSDV3(cSize uint32) [4]uint32 {
	var raw [4]uint32
	csdCommon(&raw, core.CSDVersion3, 9)
	setBits(&raw, 75, 48, cSize)
	return raw
}

// CSDForSize picks the CSD layout a real card of that size would report.
// size must be a multiple of 512 KiB above 2 GiB.
func CSDForSize(size uint64) ([4]uint32, error) {
	const unit = 512 * 1024
	switch {
	case size == 0:
		return [4]uint32{}, fmt.Errorf("zero card size")
	case size <= core.StandardLimit:
		// Largest multiplier first, then the smallest block length that fits
		for blLen := uint32(9); blLen <= 11; blLen++ {
			for mult := uint32(7); ; mult-- {
				unitSize := uint64(1) << (mult + 2 + blLen)
				if size%unitSize == 0 && size/unitSize <= 4096 {
					return CSDV1(uint32(size/unitSize-1), mult, blLen), nil
				}
				if mult == 0 {
					break
				}
			}
		}
		return [4]uint32{}, fmt.Errorf("size %d not representable in a v1 CSD", size)
	case size%unit != 0:
		return [4]uint32{}, fmt.Errorf("size %d not a multiple of 512 KiB", size)
	case size <= core.ExtendedLimit:
		return CSDV2(uint32(size/unit - 1)), nil
	}
	return CSDV3(uint32(size/unit - 1)), nil
}

func reverse(s string, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n && i < len(s); i++ {
		out[n-1-i] = s[i]
	}
	return out
}

// NewCID builds a CID for the given identity. oem is 2 characters, name 5.
func NewCID(manufacturer uint8, oem, name string, serial uint32, year, month int) core.CID {
	cid := core.CID{
		Manufacturer: manufacturer,
		Serial:       serial,
		RevMajor:     1,
		CRC:          0x3F,
	}
	cid.SetManufactureDate(year, month)
	copy(cid.OEM[:], reverse(oem, len(cid.OEM)))
	copy(cid.Name[:], reverse(name, len(cid.Name)))
	return cid
}

// DefaultCID is the identity used when a card is built without one
func DefaultCID() core.CID {
	return NewCID(0x03, "SD", "SIM01", 0x5D10C0DE, 2024, 3)
}
