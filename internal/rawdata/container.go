package rawdata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Container layout, little-endian:
//
//	header: magic "FEDC" | version u16 | reserved u16 | count u32
//	entry:  fedId u32 | codec u8 | reserved [3]u8 | rawLen u64 | storedLen u64 | xxhash64(raw) u64 | pad u32 | stored bytes
const (
	containerVersion = 1
	fileHeaderSize   = 12
	entryHeaderSize  = 36
)

// DefaultReadLimit bounds the summed raw size of all entries Read accepts.
const DefaultReadLimit = 1 << 30

var containerMagic = [4]byte{'F', 'E', 'D', 'C'}

var (
	ErrBadMagic       = errors.New("rawdata: not a FED container")
	ErrBadVersion     = errors.New("rawdata: unsupported container version")
	ErrDigestMismatch = errors.New("rawdata: entry digest mismatch")
	ErrEntryTooLarge  = errors.New("rawdata: entry exceeds size limit")
	ErrBadEntry       = errors.New("rawdata: inconsistent entry sizes")
)

// IsContainer reports whether head starts with the container magic.
func IsContainer(head []byte) bool {
	return len(head) >= len(containerMagic) && [4]byte(head[:4]) == containerMagic
}

// Write serialises coll to w, compressing each entry with codec. Entries
// that do not compress are stored uncompressed.
func Write(w io.Writer, coll *Collection, codec Codec) error {
	if codec > CodecLZ4 {
		return ErrUnknownCodec
	}
	ids := coll.IDs()
	hdr := make([]byte, fileHeaderSize)
	copy(hdr, containerMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:], containerVersion)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(ids)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, id := range ids {
		raw, _ := coll.Get(id)
		entryCodec := codec
		stored, err := compress(codec, raw)
		if errors.Is(err, errIncompressible) {
			entryCodec, stored, err = CodecNone, raw, nil
		}
		if err != nil {
			return fmt.Errorf("fed %d: %w", id, err)
		}
		if entryCodec != CodecNone && len(stored) >= len(raw) {
			entryCodec, stored = CodecNone, raw
		}
		eh := make([]byte, entryHeaderSize)
		binary.LittleEndian.PutUint32(eh[0:], id)
		eh[4] = byte(entryCodec)
		binary.LittleEndian.PutUint64(eh[8:], uint64(len(raw)))
		binary.LittleEndian.PutUint64(eh[16:], uint64(len(stored)))
		binary.LittleEndian.PutUint64(eh[24:], xxhash.Sum64(raw))
		if _, err := w.Write(eh); err != nil {
			return err
		}
		if _, err := w.Write(stored); err != nil {
			return err
		}
	}
	return nil
}

// Read parses a container written by Write and verifies every entry digest.
// It is ReadLimit with DefaultReadLimit.
func Read(r io.Reader) (*Collection, error) {
	return ReadLimit(r, DefaultReadLimit)
}

// ReadLimit is Read for untrusted input: the declared raw sizes of all
// entries together may not exceed limit, and payload buffers grow with the
// bytes actually received rather than with the declared sizes.
func ReadLimit(r io.Reader, limit int64) (*Collection, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	hdr := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read container header: %w", err)
	}
	if [4]byte(hdr[:4]) != containerMagic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != containerVersion {
		return nil, fmt.Errorf("%w %d", ErrBadVersion, v)
	}
	count := binary.LittleEndian.Uint32(hdr[8:])
	coll := NewCollection()
	eh := make([]byte, entryHeaderSize)
	remaining := uint64(limit)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, eh); err != nil {
			return nil, fmt.Errorf("read entry %d header: %w", i, err)
		}
		id := binary.LittleEndian.Uint32(eh[0:])
		codec := Codec(eh[4])
		rawLen := binary.LittleEndian.Uint64(eh[8:])
		storedLen := binary.LittleEndian.Uint64(eh[16:])
		digest := binary.LittleEndian.Uint64(eh[24:])
		if codec > CodecLZ4 {
			return nil, fmt.Errorf("fed %d: %w %d", id, ErrUnknownCodec, codec)
		}
		if rawLen > remaining {
			return nil, fmt.Errorf("fed %d: %w", id, ErrEntryTooLarge)
		}
		// Write stores an entry compressed only when that made it smaller.
		if storedLen > rawLen || (codec == CodecNone && storedLen != rawLen) {
			return nil, fmt.Errorf("fed %d: %w (codec %s, raw %d, stored %d)", id, ErrBadEntry, codec, rawLen, storedLen)
		}
		remaining -= rawLen

		var stored bytes.Buffer
		if _, err := io.CopyN(&stored, r, int64(storedLen)); err != nil {
			return nil, fmt.Errorf("read fed %d payload: %w", id, err)
		}
		raw, err := decompress(codec, stored.Bytes(), int(rawLen))
		if err != nil {
			return nil, fmt.Errorf("fed %d: %w", id, err)
		}
		if uint64(len(raw)) != rawLen || xxhash.Sum64(raw) != digest {
			return nil, fmt.Errorf("fed %d: %w", id, ErrDigestMismatch)
		}
		coll.data[id] = raw
	}
	return coll, nil
}

// WriteFile writes coll to path, replacing any existing file.
func WriteFile(path string, coll *Collection, codec Codec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, coll, codec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ReadFile(path string) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
