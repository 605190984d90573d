package dth

// ParseOrbitHeader parses the orbit header at buf[start:]. On success it
// returns the absolute offset just past the checksum field, where the
// fragment region begins.
func ParseOrbitHeader(buf []byte, start int) (OrbitHeader, int, error) {
	var hdr OrbitHeader
	if start < 0 || start > len(buf) || len(buf)-start < OrbitHeaderSize {
		e := newDecodeError(ErrTruncatedHeader, start)
		e.Need = OrbitHeaderSize
		if start >= 0 && start <= len(buf) {
			e.Have = len(buf) - start
		}
		return hdr, start, e
	}

	hdr.Marker = Marker{buf[start], buf[start+1]}
	if hdr.Marker != OrbitHeaderMarker {
		e := newDecodeError(ErrBadHeaderMarker, start)
		e.Field = FieldMarker
		e.Expected = OrbitHeaderMarker[:]
		e.Actual = []byte{hdr.Marker[0], hdr.Marker[1]}
		return hdr, start, e
	}

	cursor := start
	for _, f := range orbitHeaderFields {
		v, err := readField(buf, start, f)
		if err != nil {
			return hdr, start, err
		}
		switch f.Name {
		case FieldVersion:
			hdr.Version = uint16(v)
		case FieldSourceID:
			hdr.SourceID = uint32(v)
		case FieldRunNumber:
			hdr.RunNumber = uint32(v)
		case FieldOrbitNumber:
			hdr.OrbitNumber = uint32(v)
		case FieldEventCount:
			hdr.EventCount = uint16(v & EventCountMask)
			hdr.EventCountReserved = uint32(v >> 12)
		case FieldPacketWordCount:
			hdr.PacketWordCount = uint32(v)
		case FieldFlags:
			hdr.Flags = uint32(v)
		case FieldChecksum:
			hdr.Checksum = uint32(v)
		}
		cursor = start + f.Offset + f.Width
	}
	return hdr, cursor, nil
}
