package spectra

import "strings"

// PixelMask is the per-pixel quality bitfield carried by visit segments and
// combined rows.
type PixelMask = uint32

// StarFlag is the per-visit / per-star quality bitfield.
type StarFlag = uint64

// Pixel mask bits.
const (
	PixBadPix       PixelMask = 1 << 0
	PixCRPix        PixelMask = 1 << 1
	PixSatPix       PixelMask = 1 << 2
	PixUnfixable    PixelMask = 1 << 3
	PixBadDark      PixelMask = 1 << 4
	PixBadFlat      PixelMask = 1 << 5
	PixBadErr       PixelMask = 1 << 6
	PixNoSky        PixelMask = 1 << 7
	PixLittrowGhost PixelMask = 1 << 8
	PixPersistHigh  PixelMask = 1 << 9
	PixPersistMed   PixelMask = 1 << 10
	PixPersistLow   PixelMask = 1 << 11
	PixSigSkyline   PixelMask = 1 << 12
	PixSigTelluric  PixelMask = 1 << 13
	PixNotEnoughPSF PixelMask = 1 << 14
	PixFerreMask    PixelMask = 1 << 16
)

// Star flag bits.
const (
	StarBadPixels            StarFlag = 1 << 0
	StarCommissioning        StarFlag = 1 << 1
	StarBrightNeighbor       StarFlag = 1 << 2
	StarVeryBrightNeighbor   StarFlag = 1 << 3
	StarLowSNR               StarFlag = 1 << 4
	StarPersistHigh          StarFlag = 1 << 9
	StarPersistMed           StarFlag = 1 << 10
	StarPersistLow           StarFlag = 1 << 11
	StarPersistJumpPos       StarFlag = 1 << 12
	StarPersistJumpNeg       StarFlag = 1 << 13
	StarSuspectRVCombination StarFlag = 1 << 16
	StarSuspectBroadLines    StarFlag = 1 << 17
	StarBadRVCombination     StarFlag = 1 << 18
	StarRVReject             StarFlag = 1 << 19
	StarRVSuspect            StarFlag = 1 << 20
	StarMultipleSuspect      StarFlag = 1 << 21
	StarRVFail               StarFlag = 1 << 22
)

// PixelBits is the number of bits in a PixelMask.
const PixelBits = 32

var pixelNames = [PixelBits]string{
	"BADPIX", "CRPIX", "SATPIX", "UNFIXABLE", "BADDARK", "BADFLAT", "BADERR", "NOSKY",
	"LITTROW_GHOST", "PERSIST_HIGH", "PERSIST_MED", "PERSIST_LOW", "SIG_SKYLINE", "SIG_TELLURIC", "NOT_ENOUGH_PSF", "",
	"FERRE_MASK",
}

var starNames = [64]string{
	"BAD_PIXELS", "COMMISSIONING", "BRIGHT_NEIGHBOR", "VERY_BRIGHT_NEIGHBOR", "LOW_SNR", "", "", "",
	"", "PERSIST_HIGH", "PERSIST_MED", "PERSIST_LOW", "PERSIST_JUMP_POS", "PERSIST_JUMP_NEG", "", "",
	"SUSPECT_RV_COMBINATION", "SUSPECT_BROAD_LINES", "BAD_RV_COMBINATION", "RV_REJECT", "RV_SUSPECT", "MULTIPLE_SUSPECT", "RV_FAIL",
}

// PixelBadMask is the union of pixel bits that make a pixel unusable.
const PixelBadMask = PixBadPix | PixCRPix | PixSatPix | PixUnfixable | PixBadDark |
	PixBadFlat | PixBadErr | PixNoSky | PixNotEnoughPSF

// StarBadMask is the union of star bits that reject a visit outright.
const StarBadMask = StarBadPixels | StarVeryBrightNeighbor | StarBadRVCombination | StarRVFail

// StarRVQualityMask holds the visit-specific RV quality bits. They describe a
// single visit's fit and are cleared before flags are aggregated per star.
const StarRVQualityMask = StarRVReject | StarRVSuspect

// DefaultMaskContrib returns the per-bit contamination threshold used when
// resampling masks: a named bit is set in the output when the interpolated
// fraction of input pixels carrying it exceeds the threshold.
func DefaultMaskContrib() [PixelBits]float64 {
	var c [PixelBits]float64
	for i, name := range pixelNames {
		if name != "" {
			c[i] = 0.1
		}
	}
	return c
}

// PixelBitName returns the name of pixel bit i, or "" if the bit is unused.
func PixelBitName(i int) string {
	if i < 0 || i >= PixelBits {
		return ""
	}
	return pixelNames[i]
}

// PixelNames renders the set, named bits of m as a comma-separated list.
func PixelNames(m PixelMask) string {
	var parts []string
	for i := 0; i < PixelBits; i++ {
		if m&(1<<uint(i)) != 0 && pixelNames[i] != "" {
			parts = append(parts, pixelNames[i])
		}
	}
	return strings.Join(parts, ",")
}

// StarNames renders the set, named bits of f as a comma-separated list.
func StarNames(f StarFlag) string {
	var parts []string
	for i := 0; i < 64; i++ {
		if f&(1<<uint(i)) != 0 && starNames[i] != "" {
			parts = append(parts, starNames[i])
		}
	}
	return strings.Join(parts, ",")
}
