// Package samples builds the deterministic four-orbit capture used by the
// examples, the CLI generate command and the tests.
package samples

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/config"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/dth"
)

const (
	// File names exposed for generator consumers.
	StreamFileName = "_4orbit_data.raw"
	JobFileName    = "_4orbit_job.yaml"

	// SampleFEDID is the FED id the sample job files the stream under.
	SampleFEDID = 1234
)

// Params describes the synthetic stream. Every orbit carries Fragments
// fragments of one payload word each; event ids run from 1 across orbits.
type Params struct {
	Version       uint16
	SourceID      uint32
	RunNumber     uint32
	StartingOrbit uint32
	Fragments     int
	Flags         uint32
	TrailerMarker dth.Marker
	Scaling       dth.PayloadScaling
}

// DefaultParams matches the reference capture: 67 fragments per orbit, so
// each orbit declares 134 packet words.
func DefaultParams() Params {
	return Params{
		Version:       1,
		SourceID:      12345,
		RunNumber:     6789,
		StartingOrbit: 98765,
		Fragments:     67,
		TrailerMarker: dth.TrailerMarkerHF,
		Scaling:       dth.ScalingWords,
	}
}

// BuildStream encodes the four orbits described by p.
func BuildStream(p Params) ([]byte, error) {
	if p.Fragments < 0 {
		return nil, fmt.Errorf("negative fragment count %d", p.Fragments)
	}
	b := dth.Builder{TrailerMarker: p.TrailerMarker, Scaling: p.Scaling}
	if b.TrailerMarker == (dth.Marker{}) {
		b.TrailerMarker = dth.TrailerMarkerHF
	}
	orbits := make([]dth.OrbitSpec, dth.OrbitCount)
	for i := range orbits {
		o := dth.OrbitSpec{
			Version:     p.Version,
			SourceID:    p.SourceID,
			RunNumber:   p.RunNumber,
			OrbitNumber: p.StartingOrbit + uint32(i),
			Flags:       p.Flags,
		}
		for j := 0; j < p.Fragments; j++ {
			eventID := uint64(j + 1 + i*p.Fragments)
			o.Fragments = append(o.Fragments, dth.FragmentSpec{
				Payload: Payload(eventID),
				EventID: eventID,
			})
		}
		orbits[i] = o
	}
	return b.EncodeStream(orbits)
}

// Payload is the single 16-byte word carried by each sample fragment: the
// low 32 bits of the event id, little-endian, zero padded.
func Payload(eventID uint64) []byte {
	word := make([]byte, dth.PayloadWordSize)
	_ = dth.PutLE(word, 4, eventID&0xFFFFFFFF)
	return word
}

// BuildJob returns a job file that decodes the sample stream next to it.
func BuildJob(p Params) ([]byte, error) {
	marker := p.TrailerMarker
	if marker == (dth.Marker{}) {
		marker = dth.TrailerMarkerHF
	}
	job := config.Job{
		InputFile: StreamFileName,
		FEDID:     SampleFEDID,
		Decoder: config.DecoderConfig{
			TrailerMarker:   marker.Name(),
			PayloadScaling:  p.Scaling.String(),
			VerifyChecksums: true,
		},
		Outputs: config.OutputConfig{
			Diagnostics: "out/diagnostics.jsonl",
			Report:      "out/decode_report.json",
			FEDRaw:      "out/fed.fedraw",
			Codec:       "zstd",
		},
	}
	var buf bytes.Buffer
	buf.WriteString("# DTH sample decode job (generated)\n")
	buf.WriteString("# Regenerate with `go run ./examples/cmd/generate_samples`\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(job); err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFiles materializes the generated stream and job file under dir.
func WriteFiles(dir string, p Params) error {
	stream, err := BuildStream(p)
	if err != nil {
		return err
	}
	job, err := BuildJob(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFileIfChanged(filepath.Join(dir, StreamFileName), stream); err != nil {
		return err
	}
	return writeFileIfChanged(filepath.Join(dir, JobFileName), job)
}

func writeFileIfChanged(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
