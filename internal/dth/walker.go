package dth

// WalkOptions tunes the reverse fragment walk.
type WalkOptions struct {
	TrailerMarker Marker
	Scaling       PayloadScaling
}

// DefaultWalkOptions expects "HF" trailers and fragSize in 16-byte words.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{TrailerMarker: TrailerMarkerHF, Scaling: ScalingWords}
}

// ParseTrailer reads the fragment trailer that starts at buf[start:].
func ParseTrailer(buf []byte, start int) (FragmentTrailer, error) {
	var tr FragmentTrailer
	if start < 0 || len(buf)-start < FragmentTrailerSize {
		e := newDecodeError(ErrTruncatedTrailer, start)
		e.Need = FragmentTrailerSize
		if start >= 0 {
			e.Have = max(len(buf)-start, 0)
		}
		return tr, e
	}
	tr.Marker = Marker{buf[start], buf[start+1]}
	for _, f := range fragmentTrailerFields[1:] {
		v, err := readField(buf, start, f)
		if err != nil {
			return tr, err
		}
		switch f.Name {
		case FieldFragFlags:
			tr.Flags = uint16(v)
		case FieldFragSize:
			tr.FragSize = uint32(v)
		case FieldEventID:
			tr.EventID = v & EventIDMask
		case FieldCRC:
			tr.CRC = uint16(v)
		}
	}
	return tr, nil
}

// WalkFragments recovers up to eventCount fragments from the region that
// starts at startIdx and spans packetWordCount 16-byte words, walking from the
// region end toward its start. Fragments decoded before a failure are
// returned together with the error.
func WalkFragments(buf []byte, startIdx int, packetWordCount uint32, eventCount uint16, opts WalkOptions) ([]DecodedFragment, error) {
	if eventCount == 0 {
		return nil, nil
	}
	end := uint64(startIdx) + uint64(packetWordCount)*PayloadWordSize
	if end > uint64(len(buf)) {
		e := newDecodeError(ErrOutOfBounds, startIdx)
		e.Ordinal = int(eventCount) - 1
		e.Field = FieldPacketWordCount
		e.Need = int(end - uint64(startIdx))
		e.Have = len(buf) - startIdx
		return nil, e
	}

	frags := make([]DecodedFragment, 0, eventCount)
	cursor := int(end)
	for i := int(eventCount) - 1; i >= 0; i-- {
		if cursor < FragmentTrailerSize {
			e := newDecodeError(ErrTruncatedTrailer, cursor)
			e.Ordinal = i
			e.Need, e.Have = FragmentTrailerSize, cursor
			return frags, e
		}
		cursor -= FragmentTrailerSize
		tr, err := ParseTrailer(buf, cursor)
		if err != nil {
			return frags, at(err, -1, i)
		}
		if tr.Marker != opts.TrailerMarker {
			e := newDecodeError(ErrBadTrailerMarker, cursor)
			e.Ordinal = i
			e.Field = FieldMarker
			e.Expected = []byte{opts.TrailerMarker[0], opts.TrailerMarker[1]}
			e.Actual = []byte{tr.Marker[0], tr.Marker[1]}
			return frags, e
		}
		size := opts.Scaling.PayloadBytes(tr.FragSize)
		if size > uint64(cursor) {
			e := newDecodeError(ErrTruncatedPayload, cursor)
			e.Ordinal = i
			e.Field = FieldFragSize
			e.Need, e.Have = int(size), cursor
			return frags, e
		}
		trailerAt := cursor
		cursor -= int(size)
		frags = append(frags, DecodedFragment{
			Ordinal:       i,
			PayloadOffset: cursor,
			PayloadSize:   int(size),
			TrailerOffset: trailerAt,
			FragSize:      tr.FragSize,
			EventID:       tr.EventID,
			CRC:           tr.CRC,
			Flags:         tr.Flags,
		})
	}
	return frags, nil
}
