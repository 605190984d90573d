// Package report summarises decode runs as JSON and PDF documents.
package report

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/diag"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/dth"
)

type FragmentRow struct {
	Ordinal       int    `json:"ordinal"`
	PayloadOffset int    `json:"payloadOffset"`
	PayloadSize   int    `json:"payloadSize"`
	FragSize      uint32 `json:"fragSize"`
	EventID       uint64 `json:"eventId"`
	CRC           uint16 `json:"crc"`
	Flags         uint16 `json:"flags"`
}

type OrbitRow struct {
	Index           int           `json:"index"`
	Offset          int           `json:"offset"`
	Version         uint16        `json:"version"`
	SourceID        uint32        `json:"sourceId"`
	RunNumber       uint32        `json:"runNumber"`
	OrbitNumber     uint32        `json:"orbitNumber"`
	EventCount      uint16        `json:"eventCount"`
	PacketWordCount uint32        `json:"packetWordCount"`
	Flags           uint32        `json:"flags"`
	Checksum        uint32        `json:"checksum"`
	Decoded         int           `json:"decoded"`
	Complete        bool          `json:"complete"`
	Error           string        `json:"error,omitempty"`
	Fragments       []FragmentRow `json:"fragments,omitempty"`
}

type Settings struct {
	TrailerMarker   string `json:"trailerMarker"`
	PayloadScaling  string `json:"payloadScaling"`
	VerifyChecksums bool   `json:"verifyChecksums"`
}

type Summary struct {
	Orbits             int  `json:"orbits"`
	Fragments          int  `json:"fragments"`
	Errors             int  `json:"errors"`
	Warnings           int  `json:"warnings"`
	ChecksumMismatches int  `json:"checksumMismatches"`
	Pass               bool `json:"pass"`
}

// DecodeReport is the persisted outcome of one decode run.
type DecodeReport struct {
	RunID     string                 `json:"runId"`
	CreatedAt time.Time              `json:"createdAt"`
	Input     string                 `json:"input"`
	Sha256    string                 `json:"sha256"`
	Size      int                    `json:"size"`
	FEDID     uint32                 `json:"fedId"`
	Settings  Settings               `json:"settings"`
	Summary   Summary                `json:"summary"`
	Orbits    []OrbitRow             `json:"orbits"`
	Errors    []string               `json:"errors,omitempty"`
	Checksums []dth.ChecksumMismatch `json:"checksums,omitempty"`
	Findings  []diag.Diagnostic      `json:"findings,omitempty"`
}

// SettingsFor records the decoder options a run used.
func SettingsFor(opts dth.Options) Settings {
	marker := opts.TrailerMarker
	if marker == (dth.Marker{}) {
		marker = dth.TrailerMarkerHF
	}
	return Settings{
		TrailerMarker:   marker.Name(),
		PayloadScaling:  opts.Scaling.String(),
		VerifyChecksums: opts.VerifyChecksums,
	}
}

// Params identifies the run being reported.
type Params struct {
	Input    string
	FEDID    uint32
	Settings Settings
	// IncludeFragments adds every fragment row; large captures make this big.
	IncludeFragments bool
}

// Build assembles a report from a decode result. Findings are the WARN and
// ERROR diagnostics held by col, which may be nil.
func Build(res *dth.Result, col *diag.Collector, p Params) DecodeReport {
	rep := DecodeReport{
		RunID:     uuid.NewString(),
		CreatedAt: common.Now(),
		Input:     p.Input,
		Sha256:    common.Sha256Hex(res.Buffer),
		Size:      len(res.Buffer),
		FEDID:     p.FEDID,
		Settings:  p.Settings,
		Checksums: res.Checksums,
	}
	for _, o := range res.Orbits {
		row := OrbitRow{
			Index:           o.Index,
			Offset:          o.Offset,
			Version:         o.Header.Version,
			SourceID:        o.Header.SourceID,
			RunNumber:       o.Header.RunNumber,
			OrbitNumber:     o.Header.OrbitNumber,
			EventCount:      o.Header.EventCount,
			PacketWordCount: o.Header.PacketWordCount,
			Flags:           o.Header.Flags,
			Checksum:        o.Header.Checksum,
			Decoded:         len(o.Fragments),
			Complete:        o.Complete(),
		}
		if o.Err != nil {
			row.Error = o.Err.Error()
		}
		if p.IncludeFragments {
			for _, f := range o.Fragments {
				row.Fragments = append(row.Fragments, FragmentRow{
					Ordinal:       f.Ordinal,
					PayloadOffset: f.PayloadOffset,
					PayloadSize:   f.PayloadSize,
					FragSize:      f.FragSize,
					EventID:       f.EventID,
					CRC:           f.CRC,
					Flags:         f.Flags,
				})
			}
		}
		rep.Orbits = append(rep.Orbits, row)
	}
	for _, err := range res.Errors {
		rep.Errors = append(rep.Errors, err.Error())
	}
	if col != nil {
		rep.Findings = col.Filter(diag.WARN)
		rep.Summary.Warnings = col.Summary().Warnings
	}
	rep.Summary.Orbits = len(res.Orbits)
	rep.Summary.Fragments = res.Fragments()
	rep.Summary.Errors = len(res.Errors)
	rep.Summary.ChecksumMismatches = len(res.Checksums)
	rep.Summary.Pass = res.OK() && len(res.Checksums) == 0
	return rep
}

func SaveJSON(rep DecodeReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func LoadJSON(path string) (DecodeReport, error) {
	var rep DecodeReport
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	if err := json.Unmarshal(b, &rep); err != nil {
		return rep, err
	}
	if rep.RunID == "" {
		return rep, errors.New("report: missing runId")
	}
	return rep, nil
}
