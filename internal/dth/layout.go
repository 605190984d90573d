// Package dth decodes DTH orbit streams: four equal orbit slices, each with a
// 32-byte header followed by event fragments that are only delimited by the
// 16-byte trailer at their end. Fragments are therefore recovered backward,
// trailer first.
package dth

import "fmt"

const (
	OrbitCount          = 4
	OrbitHeaderSize     = 32
	FragmentTrailerSize = 16
	PayloadWordSize     = 16

	EventCountMask uint64 = 0xFFF
	EventIDMask    uint64 = 1<<44 - 1

	headerChecksumSpan = 28
	defaultPreviewLen  = 64
)

// Marker is a two-byte literal used to check structural alignment.
type Marker [2]byte

func (m Marker) String() string {
	return fmt.Sprintf("0x%02X 0x%02X", m[0], m[1])
}

var (
	OrbitHeaderMarker = Marker{0x48, 0x4F} // "HO"
	TrailerMarkerHF   = Marker{0x48, 0x46} // "HF"
	TrailerMarkerFH   = Marker{0x46, 0x48} // byte-swapped variant seen in older converters
)

// Name returns the configuration name of a trailer marker, or its hex form
// for any other value.
func (m Marker) Name() string {
	switch m {
	case TrailerMarkerHF:
		return "HF"
	case TrailerMarkerFH:
		return "FH"
	}
	return m.String()
}

// ParseMarker maps the configuration names "HF" and "FH" to trailer markers.
func ParseMarker(name string) (Marker, error) {
	switch name {
	case "", "HF", "hf":
		return TrailerMarkerHF, nil
	case "FH", "fh":
		return TrailerMarkerFH, nil
	}
	return Marker{}, fmt.Errorf("unknown trailer marker %q (want HF or FH)", name)
}

// PayloadScaling selects how a trailer's fragSize becomes a byte count.
type PayloadScaling int

const (
	// ScalingWords treats fragSize as a count of 16-byte payload words.
	ScalingWords PayloadScaling = iota
	// ScalingLegacyBits computes fragSize*16/128, i.e. fragSize in bits. Data
	// written by the early generators sets fragSize=128 for one payload word.
	ScalingLegacyBits
)

func (s PayloadScaling) String() string {
	switch s {
	case ScalingWords:
		return "words"
	case ScalingLegacyBits:
		return "legacy-bits"
	}
	return fmt.Sprintf("PayloadScaling(%d)", int(s))
}

func ParseScaling(name string) (PayloadScaling, error) {
	switch name {
	case "", "words":
		return ScalingWords, nil
	case "legacy-bits", "bits", "legacy":
		return ScalingLegacyBits, nil
	}
	return 0, fmt.Errorf("unknown payload scaling %q (want words or legacy-bits)", name)
}

// PayloadBytes converts a trailer fragSize into the payload length in bytes.
func (s PayloadScaling) PayloadBytes(fragSize uint32) uint64 {
	if s == ScalingLegacyBits {
		return uint64(fragSize) * PayloadWordSize / 128
	}
	return uint64(fragSize) * PayloadWordSize
}

// FragSizeFor is the inverse of PayloadBytes for payloads that are a whole
// number of words.
func (s PayloadScaling) FragSizeFor(payloadBytes int) uint32 {
	if s == ScalingLegacyBits {
		return uint32(payloadBytes * 128 / PayloadWordSize)
	}
	return uint32(payloadBytes / PayloadWordSize)
}

type field struct {
	Name   string
	Offset int
	Width  int
}

// Header field names, in wire order.
const (
	FieldMarker          = "marker"
	FieldVersion         = "version"
	FieldSourceID        = "sourceId"
	FieldRunNumber       = "runNumber"
	FieldOrbitNumber     = "orbitNumber"
	FieldEventCount      = "eventCount"
	FieldPacketWordCount = "packetWordCount"
	FieldFlags           = "flags"
	FieldChecksum        = "checksum"
)

// Trailer field names.
const (
	FieldFragFlags = "fragFlags"
	FieldFragSize  = "fragSize"
	FieldEventID   = "eventId"
	FieldCRC       = "crc"
)

var orbitHeaderFields = []field{
	{FieldMarker, 0, 2},
	{FieldVersion, 2, 2},
	{FieldSourceID, 4, 4},
	{FieldRunNumber, 8, 4},
	{FieldOrbitNumber, 12, 4},
	{FieldEventCount, 16, 4},
	{FieldPacketWordCount, 20, 4},
	{FieldFlags, 24, 4},
	{FieldChecksum, 28, 4},
}

var fragmentTrailerFields = []field{
	{FieldMarker, 0, 2},
	{FieldFragFlags, 2, 2},
	{FieldFragSize, 4, 4},
	{FieldEventID, 8, 8},
	{FieldCRC, 14, 2},
}

func lookupField(table []field, name string) field {
	for _, f := range table {
		if f.Name == name {
			return f
		}
	}
	panic("dth: unknown field " + name)
}
