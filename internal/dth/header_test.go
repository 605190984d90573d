package dth

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func rawHeader(version uint16, sourceID, run, orbit, eventField, words, flags, checksum uint32) []byte {
	b := make([]byte, OrbitHeaderSize)
	b[0], b[1] = 0x48, 0x4F
	binary.LittleEndian.PutUint16(b[2:], version)
	binary.LittleEndian.PutUint32(b[4:], sourceID)
	binary.LittleEndian.PutUint32(b[8:], run)
	binary.LittleEndian.PutUint32(b[12:], orbit)
	binary.LittleEndian.PutUint32(b[16:], eventField)
	binary.LittleEndian.PutUint32(b[20:], words)
	binary.LittleEndian.PutUint32(b[24:], flags)
	binary.LittleEndian.PutUint32(b[28:], checksum)
	return b
}

func TestParseOrbitHeaderFields(t *testing.T) {
	buf := append(make([]byte, 8), rawHeader(1, 12345, 6789, 98765, 67, 134, 0x5, 0xCAFEBABE)...)

	hdr, next, err := ParseOrbitHeader(buf, 8)
	require.NoError(t, err)
	require.Equal(t, 8+OrbitHeaderSize, next)
	require.Equal(t, OrbitHeaderMarker, hdr.Marker)
	require.Equal(t, uint16(1), hdr.Version)
	require.Equal(t, uint32(12345), hdr.SourceID)
	require.Equal(t, uint32(6789), hdr.RunNumber)
	require.Equal(t, uint32(98765), hdr.OrbitNumber)
	require.Equal(t, uint16(67), hdr.EventCount)
	require.Equal(t, uint32(134), hdr.PacketWordCount)
	require.Equal(t, uint32(0x5), hdr.Flags)
	require.Equal(t, uint32(0xCAFEBABE), hdr.Checksum)
	require.Equal(t, uint64(134*16), hdr.RegionSize())
}

func TestParseOrbitHeaderTruncated(t *testing.T) {
	for _, n := range []int{0, 1, 2, 31} {
		buf := rawHeader(1, 7, 100, 5000, 0, 0, 0, 0)[:n]
		hdr, _, err := ParseOrbitHeader(buf, 0)
		require.ErrorIs(t, err, ErrTruncatedHeader, "len %d", n)
		require.Equal(t, OrbitHeader{}, hdr, "no fields reported for len %d", n)

		var de *DecodeError
		require.True(t, errors.As(err, &de))
		require.Equal(t, OrbitHeaderSize, de.Need)
		require.Equal(t, n, de.Have)
	}
}

func TestParseOrbitHeaderCountsWholeBufferFromStart(t *testing.T) {
	// 40 bytes with the header at 8: exactly 32 bytes remain.
	buf := append(make([]byte, 8), rawHeader(1, 7, 100, 5000, 0, 0, 0, 0)...)
	_, _, err := ParseOrbitHeader(buf, 8)
	require.NoError(t, err)

	_, _, err = ParseOrbitHeader(buf, 9)
	require.ErrorIs(t, err, ErrTruncatedHeader)
}

func TestParseOrbitHeaderMarker(t *testing.T) {
	good := rawHeader(0, 0, 0, 0, 0, 0, 0, 0)
	_, _, err := ParseOrbitHeader(good, 0)
	require.NoError(t, err)

	for _, m := range [][2]byte{{0x4F, 0x48}, {0x48, 0x46}, {0x00, 0x00}, {0x48, 0x4E}, {0x49, 0x4F}} {
		buf := rawHeader(1, 2, 3, 4, 5, 6, 7, 8)
		buf[0], buf[1] = m[0], m[1]
		_, _, err := ParseOrbitHeader(buf, 0)
		require.ErrorIs(t, err, ErrBadHeaderMarker)

		var de *DecodeError
		require.True(t, errors.As(err, &de))
		require.Equal(t, []byte{0x48, 0x4F}, de.Expected)
		require.Equal(t, []byte{m[0], m[1]}, de.Actual)
	}
}

func TestParseOrbitHeaderMarkerIgnoresRest(t *testing.T) {
	buf := make([]byte, OrbitHeaderSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	buf[0], buf[1] = 0x48, 0x4F
	hdr, _, err := ParseOrbitHeader(buf, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(0xFFF), hdr.EventCount)
	require.Equal(t, uint32(0xFFFFF), hdr.EventCountReserved)
}

func TestEventCountIgnoresReservedBits(t *testing.T) {
	for _, x := range []uint32{0, 1, 67, 4095} {
		base, _, err := ParseOrbitHeader(rawHeader(1, 0, 0, 0, x, 0, 0, 0), 0)
		require.NoError(t, err)
		for _, r := range []uint32{1, 0xABCDE, 0xFFFFF} {
			hdr, _, err := ParseOrbitHeader(rawHeader(1, 0, 0, 0, x|r<<12, 0, 0, 0), 0)
			require.NoError(t, err)
			require.Equal(t, base.EventCount, hdr.EventCount)
			require.Equal(t, uint16(x), hdr.EventCount)
			require.Equal(t, r, hdr.EventCountReserved)
		}
	}
}

func TestSegment(t *testing.T) {
	slices := Segment(make([]byte, 130))
	require.Len(t, slices, OrbitCount)
	for i, s := range slices {
		require.Equal(t, i, s.Index)
		require.Equal(t, i*32, s.Offset)
		require.Equal(t, 32, s.Length)
	}

	for _, s := range Segment(make([]byte, 3)) {
		require.Equal(t, 0, s.Offset)
		require.Equal(t, 0, s.Length)
	}
}
