package dth

import "hash/crc32"

// HeaderChecksum is the CRC-32 (IEEE) of the header bytes that precede the
// checksum field.
func HeaderChecksum(header []byte) uint32 {
	return crc32.ChecksumIEEE(header[:headerChecksumSpan])
}

// FragmentCRC is the low 16 bits of the CRC-32 (IEEE) of a fragment payload.
func FragmentCRC(payload []byte) uint16 {
	return uint16(crc32.ChecksumIEEE(payload))
}

func verifyOrbitChecksums(buf []byte, o DecodedOrbit) []ChecksumMismatch {
	var out []ChecksumMismatch
	if got := HeaderChecksum(buf[o.Offset : o.Offset+OrbitHeaderSize]); got != o.Header.Checksum {
		out = append(out, ChecksumMismatch{
			Orbit:    o.Index,
			Ordinal:  -1,
			Offset:   o.Offset + headerChecksumSpan,
			Stored:   o.Header.Checksum,
			Computed: got,
		})
	}
	for _, f := range o.Fragments {
		if got := FragmentCRC(f.Payload(buf)); got != f.CRC {
			out = append(out, ChecksumMismatch{
				Orbit:    o.Index,
				Ordinal:  f.Ordinal,
				Offset:   f.TrailerOffset + 14,
				Stored:   uint32(f.CRC),
				Computed: uint32(got),
			})
		}
	}
	return out
}
