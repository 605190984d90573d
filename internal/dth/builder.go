package dth

import (
	"errors"
	"fmt"
)

var ErrUnalignedPayload = errors.New("fragment payload is not a whole number of 16-byte words")

// FragmentSpec describes one fragment to encode.
type FragmentSpec struct {
	Payload []byte
	EventID uint64
	Flags   uint16
}

// OrbitSpec describes one orbit to encode. EventCount and PacketWordCount
// are derived from Fragments.
type OrbitSpec struct {
	Version     uint16
	SourceID    uint32
	RunNumber   uint32
	OrbitNumber uint32
	Reserved    uint32 // upper 20 bits of the event count field
	Flags       uint32
	Fragments   []FragmentSpec
}

// Builder encodes orbit streams, the inverse of Decoder. It is used by the
// sample generator and by tests.
type Builder struct {
	TrailerMarker Marker
	Scaling       PayloadScaling
}

func NewBuilder() Builder {
	return Builder{TrailerMarker: TrailerMarkerHF, Scaling: ScalingWords}
}

// EncodeOrbit returns the header followed by every fragment and its trailer.
func (b Builder) EncodeOrbit(o OrbitSpec) ([]byte, error) {
	if len(o.Fragments) > int(EventCountMask) {
		return nil, fmt.Errorf("orbit %d: %d fragments exceed the 12-bit event count", o.OrbitNumber, len(o.Fragments))
	}
	region := 0
	for i, f := range o.Fragments {
		if len(f.Payload)%PayloadWordSize != 0 {
			return nil, fmt.Errorf("fragment %d: %d bytes: %w", i, len(f.Payload), ErrUnalignedPayload)
		}
		region += len(f.Payload) + FragmentTrailerSize
	}
	out := make([]byte, OrbitHeaderSize, OrbitHeaderSize+region)
	hdr := out[:OrbitHeaderSize]
	values := map[string]uint64{
		FieldVersion:         uint64(o.Version),
		FieldSourceID:        uint64(o.SourceID),
		FieldRunNumber:       uint64(o.RunNumber),
		FieldOrbitNumber:     uint64(o.OrbitNumber),
		FieldEventCount:      uint64(len(o.Fragments)) | uint64(o.Reserved)<<12,
		FieldPacketWordCount: uint64(region / PayloadWordSize),
		FieldFlags:           uint64(o.Flags),
	}
	copy(hdr, OrbitHeaderMarker[:])
	for _, f := range orbitHeaderFields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		if err := PutLE(hdr[f.Offset:], f.Width, v); err != nil {
			return nil, err
		}
	}
	sum := lookupField(orbitHeaderFields, FieldChecksum)
	if err := PutLE(hdr[sum.Offset:], sum.Width, uint64(HeaderChecksum(hdr))); err != nil {
		return nil, err
	}

	for _, f := range o.Fragments {
		out = append(out, f.Payload...)
		out = append(out, b.encodeTrailer(f)...)
	}
	return out, nil
}

func (b Builder) encodeTrailer(f FragmentSpec) []byte {
	tr := make([]byte, FragmentTrailerSize)
	copy(tr, b.TrailerMarker[:])
	// eventId goes first: its 8-byte window overlaps the crc field.
	values := []struct {
		name string
		v    uint64
	}{
		{FieldEventID, f.EventID & EventIDMask},
		{FieldFragFlags, uint64(f.Flags)},
		{FieldFragSize, uint64(b.Scaling.FragSizeFor(len(f.Payload)))},
		{FieldCRC, uint64(FragmentCRC(f.Payload))},
	}
	for _, fv := range values {
		fd := lookupField(fragmentTrailerFields, fv.name)
		_ = PutLE(tr[fd.Offset:], fd.Width, fv.v)
	}
	return tr
}

// EncodeStream encodes OrbitCount orbits, zero-padding each to the length of
// the longest so the decoder's equal split lands on every header.
func (b Builder) EncodeStream(orbits []OrbitSpec) ([]byte, error) {
	if len(orbits) != OrbitCount {
		return nil, fmt.Errorf("stream needs %d orbits, got %d", OrbitCount, len(orbits))
	}
	encoded := make([][]byte, len(orbits))
	size := 0
	for i, o := range orbits {
		enc, err := b.EncodeOrbit(o)
		if err != nil {
			return nil, fmt.Errorf("orbit %d: %w", i, err)
		}
		encoded[i] = enc
		size = max(size, len(enc))
	}
	out := make([]byte, 0, size*OrbitCount)
	for _, enc := range encoded {
		out = append(out, enc...)
		out = append(out, make([]byte, size-len(enc))...)
	}
	return out, nil
}
