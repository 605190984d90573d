package dth

import (
	"errors"
	"fmt"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/diag"
)

// Options configures a Decoder. The zero value expects "HF" trailers, counts
// fragSize in 16-byte words, skips checksum verification and discards
// diagnostics.
type Options struct {
	TrailerMarker   Marker
	Scaling         PayloadScaling
	VerifyChecksums bool
	// PreviewBytes is how many leading bytes the stream preview shows; 0 means 64.
	PreviewBytes int
	// Source labels every diagnostic, typically the input file name.
	Source  string
	Sink    diag.Sink
	Metrics *common.Metrics
}

// Result is the outcome of one decode run. Buffer is the caller's input,
// unmodified, for repackaging downstream.
type Result struct {
	Buffer    []byte
	Orbits    []DecodedOrbit
	Errors    []error
	Checksums []ChecksumMismatch
}

// OK reports whether the run finished without decode errors.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Fragments is the number of fragments recovered across all orbits.
func (r *Result) Fragments() int {
	n := 0
	for _, o := range r.Orbits {
		n += len(o.Fragments)
	}
	return n
}

// Decoder decodes whole in-memory DTH buffers. It holds no per-call state and
// may be shared between goroutines.
type Decoder struct {
	opts Options
	walk WalkOptions
}

func NewDecoder(opts Options) *Decoder {
	if opts.TrailerMarker == (Marker{}) {
		opts.TrailerMarker = TrailerMarkerHF
	}
	if opts.PreviewBytes <= 0 {
		opts.PreviewBytes = defaultPreviewLen
	}
	if opts.Sink == nil {
		opts.Sink = diag.Discard
	}
	return &Decoder{
		opts: opts,
		walk: WalkOptions{TrailerMarker: opts.TrailerMarker, Scaling: opts.Scaling},
	}
}

// Decode walks the four orbit slices of buf in order. A header failure ends
// the run; orbits decoded before it are kept. A fragment failure ends only
// its own orbit, which is returned with the fragments recovered so far.
func (d *Decoder) Decode(buf []byte) *Result {
	res := &Result{Buffer: buf}
	m := d.opts.Metrics
	if m != nil {
		m.AddInput(int64(len(buf)))
	}
	d.info(diag.CodeStreamPreview, fmt.Sprintf("raw bitstream (first %d bytes): %s",
		min(d.opts.PreviewBytes, len(buf)), HexPreview(buf, d.opts.PreviewBytes)), nil)

	for _, s := range Segment(buf) {
		d.emit(diag.Diagnostic{
			Code:     diag.CodeOrbitBegin,
			Severity: diag.INFO,
			Message:  fmt.Sprintf("parsing orbit %d (slice %d bytes)", s.Index, s.Length),
			Orbit:    diag.Int(s.Index),
			Offset:   diag.Int64(int64(s.Offset)),
		})

		hdr, regionStart, err := ParseOrbitHeader(buf, s.Offset)
		if err != nil {
			err = at(err, s.Index, -1)
			d.fail(res, err)
			return res
		}
		d.reportHeader(s, hdr)

		orbit := DecodedOrbit{
			Index:       s.Index,
			Offset:      s.Offset,
			SliceSize:   s.Length,
			Header:      hdr,
			RegionStart: regionStart,
			RegionEnd:   regionStart + int(hdr.RegionSize()),
		}
		frags, err := WalkFragments(buf, regionStart, hdr.PacketWordCount, hdr.EventCount, d.walk)
		orbit.Fragments = frags
		for _, f := range frags {
			d.reportFragment(s.Index, f)
		}
		if err != nil {
			err = at(err, s.Index, -1)
			orbit.Err = err
			d.fail(res, err)
		} else if n := len(frags); n > 0 && frags[n-1].PayloadOffset != regionStart {
			d.emit(diag.Diagnostic{
				Code:     diag.CodeRegionMisaligned,
				Severity: diag.WARN,
				Message:  "reverse walk did not end at the fragment region start",
				Orbit:    diag.Int(s.Index),
				Offset:   diag.Int64(int64(frags[n-1].PayloadOffset)),
				Expected: fmt.Sprintf("0x%X", regionStart),
				Actual:   fmt.Sprintf("0x%X", frags[n-1].PayloadOffset),
			})
		}
		if d.opts.VerifyChecksums {
			for _, cm := range verifyOrbitChecksums(buf, orbit) {
				res.Checksums = append(res.Checksums, cm)
				d.reportChecksum(cm)
			}
		}
		if m != nil {
			m.AddOrbit(int64(len(frags)))
		}
		res.Orbits = append(res.Orbits, orbit)
	}
	return res
}

func (d *Decoder) reportHeader(s Slice, hdr OrbitHeader) {
	d.emit(diag.Diagnostic{
		Code:     diag.CodeHeaderMarker,
		Severity: diag.INFO,
		Message:  "orbit header marker " + hdr.Marker.String(),
		Orbit:    diag.Int(s.Index),
		Offset:   diag.Int64(int64(s.Offset)),
	})
	for _, f := range hdr.Fields() {
		d.emit(diag.Diagnostic{
			Code:     diag.CodeHeaderField,
			Severity: diag.INFO,
			Message:  fmt.Sprintf("%s: %d", f.Name, f.Value),
			Orbit:    diag.Int(s.Index),
			Offset:   diag.Int64(int64(s.Offset + f.Offset)),
			Field:    f.Name,
			Value:    diag.Uint64(f.Value),
		})
	}
}

func (d *Decoder) reportFragment(orbit int, f DecodedFragment) {
	d.emit(diag.Diagnostic{
		Code:     diag.CodeFragmentDecoded,
		Severity: diag.INFO,
		Message: fmt.Sprintf("fragment size %d (%d bytes) event id %d crc 0x%04X flags 0x%04X",
			f.FragSize, f.PayloadSize, f.EventID, f.CRC, f.Flags),
		Orbit:   diag.Int(orbit),
		Ordinal: diag.Int(f.Ordinal),
		Offset:  diag.Int64(int64(f.PayloadOffset)),
	})
}

func (d *Decoder) reportChecksum(cm ChecksumMismatch) {
	dg := diag.Diagnostic{
		Code:     diag.CodeFragmentChecksum,
		Severity: diag.WARN,
		Message:  "fragment crc does not match payload",
		Orbit:    diag.Int(cm.Orbit),
		Offset:   diag.Int64(int64(cm.Offset)),
		Expected: fmt.Sprintf("0x%04X", cm.Computed),
		Actual:   fmt.Sprintf("0x%04X", cm.Stored),
	}
	if cm.Ordinal < 0 {
		dg.Code = diag.CodeHeaderChecksum
		dg.Message = "orbit header checksum does not match header bytes"
		dg.Expected = fmt.Sprintf("0x%08X", cm.Computed)
		dg.Actual = fmt.Sprintf("0x%08X", cm.Stored)
	} else {
		dg.Ordinal = diag.Int(cm.Ordinal)
	}
	d.emit(dg)
}

func (d *Decoder) fail(res *Result, err error) {
	res.Errors = append(res.Errors, err)
	if d.opts.Metrics != nil {
		d.opts.Metrics.IncErrors()
	}
	d.emit(ErrorDiagnostic(err))
}

// ErrorDiagnostic converts a decode error into an ERROR diagnostic carrying
// its location.
func ErrorDiagnostic(err error) diag.Diagnostic {
	dg := diag.Diagnostic{
		Code:     "error.decode",
		Severity: diag.ERROR,
		Message:  err.Error(),
	}
	var de *DecodeError
	if errors.As(err, &de) {
		dg.Code = de.Code()
		if de.Orbit >= 0 {
			dg.Orbit = diag.Int(de.Orbit)
		}
		if de.Ordinal >= 0 {
			dg.Ordinal = diag.Int(de.Ordinal)
		}
		dg.Offset = diag.Int64(int64(de.Offset))
		dg.Field = de.Field
		if de.Expected != nil {
			dg.Expected = fmt.Sprintf("% X", de.Expected)
			dg.Actual = fmt.Sprintf("% X", de.Actual)
		} else if de.Need > 0 {
			dg.Expected = fmt.Sprintf("%d bytes", de.Need)
			dg.Actual = fmt.Sprintf("%d bytes", de.Have)
		}
	}
	return dg
}

func (d *Decoder) info(code, msg string, orbit *int) {
	d.emit(diag.Diagnostic{Code: code, Severity: diag.INFO, Message: msg, Orbit: orbit})
}

func (d *Decoder) emit(dg diag.Diagnostic) {
	if dg.Source == "" {
		dg.Source = d.opts.Source
	}
	if dg.Ts.IsZero() {
		dg.Ts = common.Now()
	}
	d.opts.Sink.Emit(dg)
}
