package rawdata

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/stretchr/testify/require"
)

func sampleCollection() *Collection {
	coll := NewCollection()
	coll.Put(1234, bytes.Repeat([]byte{0x48, 0x4F, 0x01, 0x00, 0x39, 0x30, 0x00, 0x00}, 512))
	coll.Put(7, []byte{0x48, 0x4F})
	coll.Put(99, nil)
	return coll
}

func TestContainerCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			coll := sampleCollection()
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, coll, codec))

			got, err := Read(&buf)
			require.NoError(t, err)
			require.Equal(t, []uint32{7, 99, 1234}, got.IDs())
			for _, id := range coll.IDs() {
				want, _ := coll.Get(id)
				have, ok := got.Get(id)
				require.True(t, ok)
				require.Equal(t, len(want), len(have))
				require.True(t, bytes.Equal(want, have), "fed %d", id)
			}
			require.Equal(t, coll.Size(), got.Size())
		})
	}
}

func TestContainerCompresses(t *testing.T) {
	coll := sampleCollection()
	var plain, packed bytes.Buffer
	require.NoError(t, Write(&plain, coll, CodecNone))
	require.NoError(t, Write(&packed, coll, CodecZstd))
	require.Less(t, packed.Len(), plain.Len())
}

func TestContainerIncompressibleFallsBack(t *testing.T) {
	noise := make([]byte, 4096)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	coll := NewCollection()
	coll.Put(1, noise)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, coll, CodecLZ4))
	got, err := Read(&buf)
	require.NoError(t, err)
	have, _ := got.Get(1)
	require.Equal(t, noise, have)
}

func TestContainerRejectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleCollection(), CodecNone))
	data := buf.Bytes()

	bad := append([]byte(nil), data...)
	bad[0] = 'X'
	_, err := Read(bytes.NewReader(bad))
	require.ErrorIs(t, err, ErrBadMagic)

	bad = append([]byte(nil), data...)
	bad[len(bad)-1] ^= 0xFF
	_, err = Read(bytes.NewReader(bad))
	require.ErrorIs(t, err, ErrDigestMismatch)

	_, err = Read(bytes.NewReader(data[:len(data)-1]))
	require.Error(t, err)
}

func TestCollectionPutCopies(t *testing.T) {
	src := []byte{1, 2, 3}
	coll := NewCollection()
	coll.Put(5, src)
	src[0] = 9
	got, ok := coll.Get(5)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, got)
	require.Equal(t, 1, coll.Len())
}

func TestContainerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.fedraw")
	require.NoError(t, WriteFile(path, sampleCollection(), CodecZstd))
	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecNone, "none": CodecNone, "zstd": CodecZstd, "lz4": CodecLZ4} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseCodec("gzip")
	require.ErrorIs(t, err, ErrUnknownCodec)
}

// containerBytes assembles a single-entry container with arbitrary header
// values.
func containerBytes(id uint32, codec Codec, rawLen, storedLen, digest uint64, payload []byte) []byte {
	buf := make([]byte, fileHeaderSize+entryHeaderSize)
	copy(buf, containerMagic[:])
	binary.LittleEndian.PutUint16(buf[4:], containerVersion)
	binary.LittleEndian.PutUint32(buf[8:], 1)
	eh := buf[fileHeaderSize:]
	binary.LittleEndian.PutUint32(eh[0:], id)
	eh[4] = byte(codec)
	binary.LittleEndian.PutUint64(eh[8:], rawLen)
	binary.LittleEndian.PutUint64(eh[16:], storedLen)
	binary.LittleEndian.PutUint64(eh[24:], digest)
	return append(buf, payload...)
}

func TestContainerNonShrinkingEntriesStoredRaw(t *testing.T) {
	noise := make([]byte, 64)
	_, err := rand.Read(noise)
	require.NoError(t, err)

	for _, codec := range []Codec{CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			coll := NewCollection()
			coll.Put(3, nil)
			coll.Put(4, noise)
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, coll, codec))

			data := buf.Bytes()
			first := data[fileHeaderSize:]
			require.Equal(t, byte(CodecNone), first[4], "fed 3 codec")
			require.Equal(t, uint64(0), binary.LittleEndian.Uint64(first[16:]), "fed 3 is empty")
			second := first[entryHeaderSize:]
			require.Equal(t, byte(CodecNone), second[4], "fed 4 codec")
			require.Equal(t, uint64(len(noise)), binary.LittleEndian.Uint64(second[16:]))

			got, err := Read(bytes.NewReader(data))
			require.NoError(t, err)
			have, _ := got.Get(3)
			require.Empty(t, have)
			have, _ = got.Get(4)
			require.Equal(t, noise, have)
		})
	}
}

func TestContainerDeclaredSizesDoNotDriveAllocation(t *testing.T) {
	// One stored byte claiming to inflate to 1 GiB.
	data := containerBytes(0, CodecLZ4, 1<<30, 1, 0, []byte{0})

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := Read(bytes.NewReader(data))
	runtime.ReadMemStats(&after)
	require.ErrorIs(t, err, ErrBadEntry)
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))

	// A stored length far beyond the input fails on the short read.
	runtime.ReadMemStats(&before)
	_, err = Read(bytes.NewReader(containerBytes(0, CodecNone, 1<<30, 1<<30, 0, []byte("HO"))))
	runtime.ReadMemStats(&after)
	require.ErrorIs(t, err, io.EOF)
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestContainerRejectsInconsistentEntries(t *testing.T) {
	payload := []byte("HOHO")
	digest := xxhash.Sum64(payload)

	_, err := Read(bytes.NewReader(containerBytes(1, CodecNone, 4, 4, digest, payload)))
	require.NoError(t, err)

	_, err = Read(bytes.NewReader(containerBytes(1, CodecNone, 2, 4, digest, payload)))
	require.ErrorIs(t, err, ErrBadEntry)

	_, err = Read(bytes.NewReader(containerBytes(1, CodecZstd, 2, 4, digest, payload)))
	require.ErrorIs(t, err, ErrBadEntry)

	_, err = Read(bytes.NewReader(containerBytes(1, Codec(9), 4, 4, digest, payload)))
	require.ErrorIs(t, err, ErrUnknownCodec)

	_, err = Read(bytes.NewReader(containerBytes(1, CodecNone, 1<<40, 1<<40, 0, nil)))
	require.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestContainerZstdOutputBoundedByDeclaredSize(t *testing.T) {
	raw := bytes.Repeat([]byte("HF"), 2048)
	coll := NewCollection()
	coll.Put(1, raw)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, coll, CodecZstd))
	data := buf.Bytes()
	entry := data[fileHeaderSize:]
	require.Equal(t, byte(CodecZstd), entry[4])
	storedLen := binary.LittleEndian.Uint64(entry[16:])

	// Shrink the declared raw size below what the frame decodes to.
	binary.LittleEndian.PutUint64(entry[8:], storedLen+10)
	_, err := Read(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrBadEntry)
}

func TestReadLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleCollection(), CodecZstd))
	data := buf.Bytes()

	_, err := ReadLimit(bytes.NewReader(data), 4096)
	require.ErrorIs(t, err, ErrEntryTooLarge)

	got, err := ReadLimit(bytes.NewReader(data), 4096+2)
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
}
