package core

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/google/uuid"
)

// CapacityTier classifies a card by its decoded size
type CapacityTier uint8

const (
	TierUndefined CapacityTier = iota
	TierStandard               // SDSC, up to 2 GiB
	TierHigh                   // SDHC, up to 32 GiB
	TierExtended               // SDXC, up to 2 TiB
	TierUltra                  // SDUC
)

var tierNames = [...]string{"undefined", "SDSC", "SDHC", "SDXC", "SDUC"}

func (t CapacityTier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("CapacityTier(%d)", uint8(t))
}

// Tier breakpoints; each tier covers (previous, limit]
const (
	StandardLimit = 2 << 30
	HighLimit     = 32 << 30
	ExtendedLimit = 2 << 40
)

// TierForSize classifies a device size in bytes
func TierForSize(size uint64) CapacityTier {
	switch {
	case size == 0:
		return TierUndefined
	case size <= StandardLimit:
		return TierStandard
	case size <= HighLimit:
		return TierHigh
	case size <= ExtendedLimit:
		return TierExtended
	}
	return TierUltra
}

// CID is the card identification register. raw[0] holds bits 31:0; ASCII
// fields are stored most significant character last.
type CID struct {
	NotUsed      uint8  `bitfield:"1,reserved"`
	CRC          uint8  `bitfield:"7"`
	MDT          uint16 // [23:8]: month [3:0], years since 2000 [11:4]
	Serial       uint32
	RevMinor     uint8 `bitfield:"4"`
	RevMajor     uint8 `bitfield:"4"`
	Name         [5]byte
	OEM          [2]byte
	Manufacturer uint8
}

// DecodeCID unpacks the raw CID response
func DecodeCID(raw [4]uint32) (CID, error) {
	var cid CID
	err := unpackWords(raw[:], &cid)
	return cid, err
}

// Raw packs the CID back into its response register image
func (c CID) Raw() ([4]uint32, error) {
	var raw [4]uint32
	err := packWords(&c, raw[:])
	return raw, err
}

func reversed(b []byte) string {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return string(out)
}

// ProductName returns the 5-character product name
func (c CID) ProductName() string {
	return reversed(c.Name[:])
}

// OEMID returns the 2-character OEM/application ID
func (c CID) OEMID() string {
	return reversed(c.OEM[:])
}

// Revision returns the product revision as "major.minor"
func (c CID) Revision() string {
	return fmt.Sprintf("%d.%d", c.RevMajor, c.RevMinor)
}

// ManufactureDate returns the year and month of manufacture
func (c CID) ManufactureDate() (year, month int) {
	return 2000 + int(c.MDT>>4&0xFF), int(c.MDT & 0xF)
}

// SetManufactureDate stores year and month in the MDT field
func (c *CID) SetManufactureDate(year, month int) {
	c.MDT = uint16(year-2000)&0xFF<<4 | uint16(month)&0xF
}

// CSD structure versions
const (
	CSDVersion1 = 0 // SDSC
	CSDVersion2 = 1 // SDHC/SDXC
	CSDVersion3 = 2 // SDUC
)

// CSDCommon holds the fields shared by every CSD structure
type CSDCommon struct {
	Structure        uint8
	TAAC             uint8
	NSAC             uint8
	TranSpeed        uint8
	CCC              uint16
	ReadBlLen        uint8
	ReadBlPartial    bool
	WriteBlkMisalign bool
	ReadBlkMisalign  bool
	DSRImp           bool
	EraseBlkEn       bool
	SectorSize       uint8
	WPGrpSize        uint8
	WPGrpEnable      bool
	R2WFactor        uint8
	WriteBlLen       uint8
	WriteBlPartial   bool
	FileFormatGrp    bool
	Copy             bool
	PermWriteProtect bool
	TmpWriteProtect  bool
	FileFormat       uint8
	WPUntilPowerCyc  bool
}

// CSD is one of CSDV1, CSDV2 or CSDV3
type CSD interface {
	Common() CSDCommon
	// Capacity returns the device size in bytes
	Capacity() uint64
	isCSD()
}

// CSDV1 is the standard capacity layout
type CSDV1 struct {
	CSDCommon
	CSize       uint16 // [73:62]
	CSizeMult   uint8  // [49:47]
	VddRCurrMin uint8
	VddRCurrMax uint8
	VddWCurrMin uint8
	VddWCurrMax uint8
}

// CSDV2 is the high/extended capacity layout
type CSDV2 struct {
	CSDCommon
	CSize uint32 // [69:48]
}

// CSDV3 is the ultra capacity layout
type CSDV3 struct {
	CSDCommon
	CSize uint32 // [75:48]
}

func (c CSDCommon) Common() CSDCommon { return c }

func (CSDV1) isCSD() {}
func (CSDV2) isCSD() {}
func (CSDV3) isCSD() {}

// Capacity is (C_SIZE+1) * 2^(C_SIZE_MULT+2) * 2^READ_BL_LEN
func (c CSDV1) Capacity() uint64 {
	return uint64(c.CSize+1) << (uint(c.CSizeMult) + 2) << uint(c.ReadBlLen)
}

// Capacity is (C_SIZE+1) * 512 KiB
func (c CSDV2) Capacity() uint64 {
	return (uint64(c.CSize) + 1) * 512 * 1024
}

// Capacity is (C_SIZE+1) * 512 KiB
func (c CSDV3) Capacity() uint64 {
	return (uint64(c.CSize) + 1) * 512 * 1024
}

// csdField extracts bits hi..lo of a 128-bit register, raw[0] holding bits 31:0
func csdField(raw [4]uint32, hi, lo uint) uint32 {
	width := hi - lo + 1
	idx, off := lo/32, lo%32
	v := uint64(raw[idx]) >> off
	if off+width > 32 && idx+1 < uint(len(raw)) {
		v |= uint64(raw[idx+1]) << (32 - off)
	}
	return uint32(v & (1<<width - 1))
}

func csdBit(raw [4]uint32, bit uint) bool {
	return csdField(raw, bit, bit) != 0
}

// DecodeCSD selects the layout from CSD_STRUCTURE
func DecodeCSD(raw [4]uint32) (CSD, error) {
	common := CSDCommon{
		Structure:        uint8(csdField(raw, 127, 126)),
		TAAC:             uint8(csdField(raw, 119, 112)),
		NSAC:             uint8(csdField(raw, 111, 104)),
		TranSpeed:        uint8(csdField(raw, 103, 96)),
		CCC:              uint16(csdField(raw, 95, 84)),
		ReadBlLen:        uint8(csdField(raw, 83, 80)),
		ReadBlPartial:    csdBit(raw, 79),
		WriteBlkMisalign: csdBit(raw, 78),
		ReadBlkMisalign:  csdBit(raw, 77),
		DSRImp:           csdBit(raw, 76),
		EraseBlkEn:       csdBit(raw, 46),
		SectorSize:       uint8(csdField(raw, 45, 39)),
		WPGrpSize:        uint8(csdField(raw, 38, 32)),
		WPGrpEnable:      csdBit(raw, 31),
		R2WFactor:        uint8(csdField(raw, 28, 26)),
		WriteBlLen:       uint8(csdField(raw, 25, 22)),
		WriteBlPartial:   csdBit(raw, 21),
		FileFormatGrp:    csdBit(raw, 15),
		Copy:             csdBit(raw, 14),
		PermWriteProtect: csdBit(raw, 13),
		TmpWriteProtect:  csdBit(raw, 12),
		FileFormat:       uint8(csdField(raw, 11, 10)),
		WPUntilPowerCyc:  csdBit(raw, 9),
	}

	switch common.Structure {
	case CSDVersion1:
		return CSDV1{
			CSDCommon:   common,
			CSize:       uint16(csdField(raw, 73, 62)),
			VddRCurrMin: uint8(csdField(raw, 61, 59)),
			VddRCurrMax: uint8(csdField(raw, 58, 56)),
			VddWCurrMin: uint8(csdField(raw, 55, 53)),
			VddWCurrMax: uint8(csdField(raw, 52, 50)),
			CSizeMult:   uint8(csdField(raw, 49, 47)),
		}, nil
	case CSDVersion2:
		return CSDV2{CSDCommon: common, CSize: csdField(raw, 69, 48)}, nil
	case CSDVersion3:
		return CSDV3{CSDCommon: common, CSize: csdField(raw, 75, 48)}, nil
	}
	return nil, fmt.Errorf("CSD structure %d: %w", common.Structure, UnsupportedFeature)
}

// TRAN_SPEED decoding tables; the value is scaled by 10
var (
	tranSpeedValues = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
	tranSpeedUnits  = [8]uint32{10, 100, 1000, 10000} // kHz per value step; 4..7 reserved
)

// TransferRateKHz decodes TRAN_SPEED, returning 0 for reserved encodings
func TransferRateKHz(tranSpeed uint8) uint32 {
	return tranSpeedValues[(tranSpeed>>3)&0xF] * tranSpeedUnits[tranSpeed&0x7]
}

// CardInfo describes an identified card. The zero value is the invalidated
// state reported when no card is initialized.
type CardInfo struct {
	Valid           bool
	Tier            CapacityTier
	SpecVersion     uint8
	HighCapacity    bool // Block addressed (OCR CCS)
	DeviceClass     uint8
	BlockSize       uint32
	TransferRateKHz uint32
	DeviceSize      uint64
	CardStatus      uint16
	RCA             uint16
	RawCID          [4]uint32
	RawCSD          [4]uint32

	CID CID
	CSD CSD
}

// DecodeCardInfo builds the card descriptor from raw CID and CSD snapshots.
// Fields that come from the identification sequence (SpecVersion, RCA,
// CardStatus, Valid) are left for the caller.
func DecodeCardInfo(rawCID, rawCSD [4]uint32) (CardInfo, error) {
	cid, err := DecodeCID(rawCID)
	if err != nil {
		return CardInfo{}, fmt.Errorf("CID: %v: %w", err, InternalError)
	}
	csd, err := DecodeCSD(rawCSD)
	if err != nil {
		return CardInfo{}, err
	}
	common := csd.Common()

	info := CardInfo{
		RawCID:          rawCID,
		RawCSD:          rawCSD,
		CID:             cid,
		CSD:             csd,
		DeviceSize:      csd.Capacity(),
		BlockSize:       1 << common.ReadBlLen,
		TransferRateKHz: TransferRateKHz(common.TranSpeed),
		HighCapacity:    common.Structure != CSDVersion1,
	}
	if common.CCC != 0 {
		info.DeviceClass = uint8(bits.Len16(common.CCC) - 1)
	}
	info.Tier = TierForSize(info.DeviceSize)
	return info, nil
}

// Blocks returns the device size in 512-byte blocks
func (ci CardInfo) Blocks() uint64 {
	return ci.DeviceSize / BlockSize
}

var volumeNamespace = uuid.MustParse("6f1d5c0e-3b8a-5d1e-9c47-2a5e0b7d4f18")

// VolumeID derives a stable UUID from the CID, identifying the physical card
func (ci CardInfo) VolumeID() uuid.UUID {
	if !ci.Valid {
		return uuid.Nil
	}
	var b [16]byte
	for i, w := range ci.RawCID {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return uuid.NewSHA1(volumeNamespace, b[:])
}
