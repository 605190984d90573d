package dth

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/diag"
)

func fourOrbitStream(t *testing.T, b Builder, fragments int) []byte {
	t.Helper()
	orbits := make([]OrbitSpec, OrbitCount)
	for i := range orbits {
		orbits[i] = OrbitSpec{Version: 1, SourceID: 12345, RunNumber: 6789, OrbitNumber: uint32(98765 + i)}
		for j := 0; j < fragments; j++ {
			eventID := uint64(j + 1 + i*fragments)
			payload := make([]byte, PayloadWordSize)
			require.NoError(t, PutLE(payload, 4, eventID))
			orbits[i].Fragments = append(orbits[i].Fragments, FragmentSpec{Payload: payload, EventID: eventID})
		}
	}
	buf, err := b.EncodeStream(orbits)
	require.NoError(t, err)
	return buf
}

func TestDecodeEmptyOrbits(t *testing.T) {
	buf := make([]byte, 0, 128)
	for i := 0; i < OrbitCount; i++ {
		buf = append(buf, rawHeader(1, 7, 100, 5000, 0, 0, 0, 0)...)
	}
	require.Len(t, buf, 128)

	res := NewDecoder(Options{}).Decode(buf)
	require.True(t, res.OK())
	require.Empty(t, res.Errors)
	require.Len(t, res.Orbits, OrbitCount)
	for i, o := range res.Orbits {
		require.Equal(t, i, o.Index)
		require.Equal(t, i*32, o.Offset)
		require.Equal(t, OrbitHeaderMarker, o.Header.Marker)
		require.Equal(t, uint16(1), o.Header.Version)
		require.Equal(t, uint32(7), o.Header.SourceID)
		require.Equal(t, uint32(100), o.Header.RunNumber)
		require.Equal(t, uint32(5000), o.Header.OrbitNumber)
		require.Equal(t, uint16(0), o.Header.EventCount)
		require.Empty(t, o.Fragments)
		require.True(t, o.Complete())
	}
	require.Same(t, &buf[0], &res.Buffer[0])
}

func TestDecodeGeneratedStream(t *testing.T) {
	buf := fourOrbitStream(t, NewBuilder(), 67)
	col := diag.NewCollector()
	metrics := common.NewMetrics()
	res := NewDecoder(Options{VerifyChecksums: true, Sink: col, Metrics: metrics, Source: "test.raw"}).Decode(buf)

	require.True(t, res.OK())
	require.Empty(t, res.Checksums)
	require.Len(t, res.Orbits, OrbitCount)
	require.Equal(t, 4*67, res.Fragments())
	for i, o := range res.Orbits {
		require.Equal(t, uint32(98765+i), o.Header.OrbitNumber)
		require.Equal(t, uint32(134), o.Header.PacketWordCount)
		require.Len(t, o.Fragments, 67)
		require.Equal(t, uint64(67*(i+1)), o.Fragments[0].EventID)
		require.Equal(t, uint64(1+67*i), o.Fragments[66].EventID)
		require.Equal(t, o.RegionStart, o.Fragments[66].PayloadOffset)
	}

	sum := col.Summary()
	require.Zero(t, sum.Errors)
	require.Zero(t, sum.Warnings)
	require.Equal(t, 1+4*(1+1+8+67), sum.Info)
	for _, d := range col.Diagnostics() {
		require.Equal(t, "test.raw", d.Source)
	}

	snap := metrics.Snapshot()
	require.Equal(t, int64(len(buf)), snap.Bytes)
	require.Equal(t, int64(4), snap.Orbits)
	require.Equal(t, int64(4*67), snap.Fragments)
	require.Zero(t, snap.Errors)
}

func TestDecodeHeaderFailureStopsRun(t *testing.T) {
	buf := fourOrbitStream(t, NewBuilder(), 3)
	slice := len(buf) / OrbitCount
	buf[2*slice] = 0x00

	col := diag.NewCollector()
	res := NewDecoder(Options{Sink: col}).Decode(buf)
	require.False(t, res.OK())
	require.Len(t, res.Orbits, 2)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors[0], ErrBadHeaderMarker)

	var de *DecodeError
	require.ErrorAs(t, res.Errors[0], &de)
	require.Equal(t, 2, de.Orbit)
	require.Equal(t, 2*slice, de.Offset)

	errs := col.Filter(diag.ERROR)
	require.Len(t, errs, 1)
	require.Equal(t, "error.bad_header_marker", errs[0].Code)
	require.Equal(t, 2, *errs[0].Orbit)
	require.Equal(t, "48 4F", errs[0].Expected)
	require.Equal(t, "00 4F", errs[0].Actual)
}

func TestDecodeShortBuffer(t *testing.T) {
	res := NewDecoder(Options{}).Decode([]byte{0x48, 0x4F, 0x01})
	require.Empty(t, res.Orbits)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors[0], ErrTruncatedHeader)
}

func TestDecodeFragmentFailureKeepsOrbit(t *testing.T) {
	buf := fourOrbitStream(t, NewBuilder(), 4)
	slice := len(buf) / OrbitCount
	// Corrupt the trailer marker of the fragment with ordinal 2 in orbit 1.
	trailer := slice + OrbitHeaderSize + 2*(PayloadWordSize+FragmentTrailerSize) + PayloadWordSize
	buf[trailer+1] = 0x00

	res := NewDecoder(Options{}).Decode(buf)
	require.Len(t, res.Orbits, OrbitCount)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors[0], ErrBadTrailerMarker)

	bad := res.Orbits[1]
	require.ErrorIs(t, bad.Err, ErrBadTrailerMarker)
	require.False(t, bad.Complete())
	require.Len(t, bad.Fragments, 1)
	require.Equal(t, 3, bad.Fragments[0].Ordinal)

	var de *DecodeError
	require.ErrorAs(t, bad.Err, &de)
	require.Equal(t, 1, de.Orbit)
	require.Equal(t, 2, de.Ordinal)

	for _, i := range []int{0, 2, 3} {
		require.True(t, res.Orbits[i].Complete(), "orbit %d", i)
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	buf := fourOrbitStream(t, NewBuilder(), 2)
	slice := len(buf) / OrbitCount
	buf[OrbitHeaderSize] ^= 0x01 // first payload byte of orbit 0
	buf[3*slice+12] ^= 0x01      // orbit number of orbit 3

	col := diag.NewCollector()
	res := NewDecoder(Options{VerifyChecksums: true, Sink: col}).Decode(buf)
	require.True(t, res.OK())
	require.Len(t, res.Checksums, 2)
	require.Equal(t, 0, res.Checksums[0].Orbit)
	require.Equal(t, 0, res.Checksums[0].Ordinal)
	require.Equal(t, 3, res.Checksums[1].Orbit)
	require.Equal(t, -1, res.Checksums[1].Ordinal)

	warns := col.Filter(diag.WARN)
	require.Len(t, warns, 2)
	require.Equal(t, diag.CodeFragmentChecksum, warns[0].Code)
	require.Equal(t, diag.CodeHeaderChecksum, warns[1].Code)

	res = NewDecoder(Options{}).Decode(buf)
	require.Empty(t, res.Checksums)
}

func TestDecodeMisalignedRegionWarns(t *testing.T) {
	// One fragment with one payload word, but the header declares three words.
	orbit := rawHeader(1, 0, 0, 0, 1, 3, 0, 0)
	orbit = append(orbit, make([]byte, 16)...)
	orbit = append(orbit, make([]byte, 16)...)
	tr := make([]byte, FragmentTrailerSize)
	copy(tr, TrailerMarkerHF[:])
	require.NoError(t, PutLE(tr[4:], 4, 1))
	orbit = append(orbit, tr...)
	buf := bytes.Repeat(orbit, OrbitCount)

	col := diag.NewCollector()
	res := NewDecoder(Options{Sink: col}).Decode(buf)
	require.True(t, res.OK())
	require.Len(t, col.Filter(diag.WARN), OrbitCount)
	require.Equal(t, diag.CodeRegionMisaligned, col.Filter(diag.WARN)[0].Code)
}

func TestDecoderSharedAcrossGoroutines(t *testing.T) {
	good := fourOrbitStream(t, NewBuilder(), 5)
	bad := append([]byte(nil), good...)
	bad[0] = 0
	bufs := [][]byte{good, bad, good, bad, good}

	col := diag.NewCollector()
	dec := NewDecoder(Options{Sink: col})
	results := make([]*Result, len(bufs))
	var wg sync.WaitGroup
	for i, buf := range bufs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = dec.Decode(buf)
		}()
	}
	wg.Wait()

	for i, res := range results {
		if i%2 == 0 {
			require.True(t, res.OK(), "buffer %d", i)
			require.Equal(t, 20, res.Fragments())
		} else {
			require.False(t, res.OK(), "buffer %d", i)
			require.Empty(t, res.Orbits)
		}
	}
	require.Equal(t, 2, col.Summary().Errors)
}

func TestHexPreview(t *testing.T) {
	require.Equal(t, "48 4f 01", HexPreview([]byte{0x48, 0x4F, 0x01, 0x02}, 3))
	require.Equal(t, "48 4f", HexPreview([]byte{0x48, 0x4F}, 64))
	require.Equal(t, "", HexPreview(nil, 64))
}
