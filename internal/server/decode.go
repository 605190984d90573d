package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/diag"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/dth"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/rawdata"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/report"
)

type decodeResponse struct {
	Type      string              `json:"type,omitempty"`
	Report    report.DecodeReport `json:"report"`
	Artifacts []ArtifactRef       `json:"artifacts"`
}

// handleDecode decodes one raw stream. The stream is the request body, or a
// previous upload named by ?input=<artifact id>. With ?stream=1 every
// diagnostic is sent as NDJSON while decoding, followed by the report.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	fedID, err := parseFEDID(q.Get("fedId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stream := isTruthy(q.Get("stream"))
	data, name, err := s.readInput(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-r.Context().Done():
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}

	col := diag.NewCollector()
	opts := s.decoder
	opts.Source = name
	opts.Metrics = s.metrics
	opts.Sink = col
	var writer *diag.NDJSONWriter
	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		writer = diag.NewNDJSONWriter(w)
		opts.Sink = diag.Multi(col, writer)
	}

	res := dth.NewDecoder(opts).Decode(data)
	rep := report.Build(res, col, report.Params{
		Input:    name,
		FEDID:    fedID,
		Settings: report.SettingsFor(opts),
	})
	if res.OK() {
		s.logger.Infof("decoded %s as fed %d: %d orbits, %d fragments", name, fedID, rep.Summary.Orbits, rep.Summary.Fragments)
	} else {
		s.logger.Warnf("decoded %s as fed %d with %d errors: %v", name, fedID, len(res.Errors), res.Errors[0])
	}

	arts, err := s.storeRun(res, col, rep, fedID)
	if err != nil {
		s.logger.Errorf("store outputs for %s: %v", name, err)
		if stream {
			_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		http.Error(w, fmt.Sprintf("store outputs: %v", err), http.StatusInternalServerError)
		return
	}
	resp := decodeResponse{Report: rep, Artifacts: arts}
	if stream {
		resp.Type = "report"
		_ = writer.WriteObject(resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readInput(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("input")); id != "" {
		art, ok := s.getArtifact(id)
		if !ok {
			return nil, "", fmt.Errorf("unknown artifact %s", id)
		}
		data, err := os.ReadFile(art.Path)
		if err != nil {
			return nil, "", err
		}
		if len(data) == 0 {
			return nil, "", fmt.Errorf("artifact %s is empty", id)
		}
		return data, art.Name, nil
	}
	body := http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("request body is empty")
	}
	name := strings.TrimSpace(q.Get("name"))
	if name == "" {
		name = "request.raw"
	}
	return data, name, nil
}

// storeRun writes the diagnostics, the reports and the FED container of a
// run and registers each as a downloadable artifact.
func (s *Server) storeRun(res *dth.Result, col *diag.Collector, rep report.DecodeReport, fedID uint32) ([]ArtifactRef, error) {
	type output struct {
		pattern, name, contentType, kind string
		write                            func(path string) error
	}
	outputs := []output{
		{"diagnostics-*.jsonl", "diagnostics.jsonl", "application/x-ndjson", "diagnostics", func(p string) error {
			return diag.WriteFile(p, col.Diagnostics())
		}},
		{"report-*.json", "decode_report.json", "application/json", "report", func(p string) error {
			return report.SaveJSON(rep, p)
		}},
		{"report-*.pdf", "decode_report.pdf", "application/pdf", "report", func(p string) error {
			return report.SavePDF(rep, p)
		}},
		{"fed-*.fedraw", fmt.Sprintf("fed_%d.fedraw", fedID), "application/octet-stream", "fedraw", func(p string) error {
			coll := rawdata.NewCollection()
			coll.Put(fedID, res.Buffer)
			return rawdata.WriteFile(p, coll, s.codec)
		}},
	}
	refs := make([]ArtifactRef, 0, len(outputs))
	for _, out := range outputs {
		path, err := s.tempPath(out.pattern)
		if err != nil {
			return nil, err
		}
		if err := out.write(path); err != nil {
			return nil, fmt.Errorf("%s: %w", out.name, err)
		}
		art, err := s.addArtifact(path, out.name, out.contentType, out.kind)
		if err != nil {
			return nil, err
		}
		refs = append(refs, toRef(art))
	}
	return refs, nil
}

func parseFEDID(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("fedId required")
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid fedId %q", raw)
	}
	return uint32(v), nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
