package dth

// OrbitHeader is the fixed 32-byte record at the start of each orbit slice.
type OrbitHeader struct {
	Marker      Marker
	Version     uint16
	SourceID    uint32
	RunNumber   uint32
	OrbitNumber uint32
	// EventCount is the low 12 bits of the event count field; the upper 20
	// bits are reserved and kept in EventCountReserved.
	EventCount         uint16
	EventCountReserved uint32
	// PacketWordCount is the number of 16-byte words in the fragment region.
	PacketWordCount uint32
	Flags           uint32
	Checksum        uint32
}

// FieldValue is one named header field, for diagnostics.
type FieldValue struct {
	Name   string
	Offset int
	Value  uint64
}

// Fields lists the numeric header fields in wire order, offsets relative to
// the header start.
func (h OrbitHeader) Fields() []FieldValue {
	return []FieldValue{
		{FieldVersion, 2, uint64(h.Version)},
		{FieldSourceID, 4, uint64(h.SourceID)},
		{FieldRunNumber, 8, uint64(h.RunNumber)},
		{FieldOrbitNumber, 12, uint64(h.OrbitNumber)},
		{FieldEventCount, 16, uint64(h.EventCount)},
		{FieldPacketWordCount, 20, uint64(h.PacketWordCount)},
		{FieldFlags, 24, uint64(h.Flags)},
		{FieldChecksum, 28, uint64(h.Checksum)},
	}
}

// RegionSize is the byte length of the fragment region the header declares.
func (h OrbitHeader) RegionSize() uint64 {
	return uint64(h.PacketWordCount) * PayloadWordSize
}

// FragmentTrailer is the fixed 16-byte record that closes every fragment.
type FragmentTrailer struct {
	Marker   Marker
	Flags    uint16
	FragSize uint32
	EventID  uint64
	CRC      uint16
}

// DecodedFragment describes one fragment recovered by the reverse walk. The
// payload occupies [PayloadOffset, PayloadOffset+PayloadSize) of the buffer.
type DecodedFragment struct {
	// Ordinal counts down from eventCount-1, so the first fragment decoded
	// carries the highest ordinal.
	Ordinal       int
	PayloadOffset int
	PayloadSize   int
	TrailerOffset int
	FragSize      uint32
	EventID       uint64
	CRC           uint16
	Flags         uint16
}

// Payload returns the fragment payload as a view into buf.
func (f DecodedFragment) Payload(buf []byte) []byte {
	return buf[f.PayloadOffset : f.PayloadOffset+f.PayloadSize]
}

// DecodedOrbit holds one successfully parsed orbit header and the fragments
// recovered from its region, ordered by decreasing ordinal. Err is set when
// the walk stopped early.
type DecodedOrbit struct {
	Index       int
	Offset      int
	SliceSize   int
	Header      OrbitHeader
	RegionStart int
	RegionEnd   int
	Fragments   []DecodedFragment
	Err         error
}

// Complete reports whether every declared event was recovered.
func (o DecodedOrbit) Complete() bool {
	return o.Err == nil && len(o.Fragments) == int(o.Header.EventCount)
}

// ChecksumMismatch records a CRC that did not match the bytes it covers.
type ChecksumMismatch struct {
	Orbit    int    `json:"orbit"`
	Ordinal  int    `json:"ordinal"` // -1 for the orbit header
	Offset   int    `json:"offset"`
	Stored   uint32 `json:"stored"`
	Computed uint32 `json:"computed"`
}
