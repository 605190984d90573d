package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/diag"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/dth"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/rawdata"
)

func sampleStream(t *testing.T) []byte {
	t.Helper()
	orbits := make([]dth.OrbitSpec, dth.OrbitCount)
	for i := range orbits {
		orbits[i] = dth.OrbitSpec{Version: 1, SourceID: 12345, RunNumber: 6789, OrbitNumber: uint32(98765 + i)}
		for j := 0; j < 5; j++ {
			orbits[i].Fragments = append(orbits[i].Fragments, dth.FragmentSpec{
				Payload: make([]byte, dth.PayloadWordSize),
				EventID: uint64(100*i + j),
			})
		}
	}
	buf, err := dth.NewBuilder().EncodeStream(orbits)
	if err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}
	return buf
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := NewServer(Options{
		StorageDir: t.TempDir(),
		Decoder:    dth.Options{VerifyChecksums: true},
		Codec:      rawdata.CodecZstd,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	ts := httptest.NewServer(NewRouter(srv))
	t.Cleanup(ts.Close)
	return ts
}

func postDecode(t *testing.T, url string, body []byte) decodeResponse {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, msg)
	}
	var out decodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHandleDecode(t *testing.T) {
	ts := newTestServer(t)
	stream := sampleStream(t)
	out := postDecode(t, ts.URL+"/decode?fedId=1234&name=run.raw", stream)

	rep := out.Report
	if !rep.Summary.Pass {
		t.Fatalf("expected a passing run, errors: %v", rep.Errors)
	}
	if rep.FEDID != 1234 || rep.Input != "run.raw" || rep.Size != len(stream) {
		t.Fatalf("unexpected report identity: fed=%d input=%q size=%d", rep.FEDID, rep.Input, rep.Size)
	}
	if rep.Summary.Orbits != 4 || rep.Summary.Fragments != 20 {
		t.Fatalf("summary = %+v", rep.Summary)
	}
	if !rep.Settings.VerifyChecksums || rep.Settings.TrailerMarker != "HF" {
		t.Fatalf("settings = %+v", rep.Settings)
	}
	if len(out.Artifacts) != 4 {
		t.Fatalf("got %d artifacts, want 4", len(out.Artifacts))
	}

	var fedArt ArtifactRef
	for _, a := range out.Artifacts {
		if a.Kind == "fedraw" {
			fedArt = a
		}
	}
	if fedArt.Name != "fed_1234.fedraw" {
		t.Fatalf("fed container artifact missing: %+v", out.Artifacts)
	}
	path := filepath.Join(t.TempDir(), fedArt.Name)
	downloadArtifact(t, ts.URL, fedArt.ID, path)
	coll, err := rawdata.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, ok := coll.Get(1234)
	if !ok || !bytes.Equal(got, stream) {
		t.Fatalf("container does not hold the input stream under fed 1234")
	}
}

func TestHandleDecodeReportsFragmentErrors(t *testing.T) {
	ts := newTestServer(t)
	stream := sampleStream(t)
	orbitLen := len(stream) / dth.OrbitCount
	stream[orbitLen-dth.FragmentTrailerSize] = 0

	out := postDecode(t, ts.URL+"/decode?fedId=7", stream)
	if out.Report.Summary.Pass {
		t.Fatalf("expected failing run")
	}
	if out.Report.Summary.Orbits != 4 {
		t.Fatalf("a fragment error must not stop later orbits: %+v", out.Report.Summary)
	}
	if out.Report.Orbits[0].Error == "" {
		t.Fatalf("orbit 0 should carry the error")
	}
}

func TestHandleDecodeStream(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/decode?fedId=9&stream=1", "application/octet-stream", bytes.NewReader(sampleStream(t)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}
	var lines []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	// preview + 4 * (begin + marker + 8 fields + 5 fragments) + report
	if want := 1 + 4*(1+1+8+5) + 1; len(lines) != want {
		t.Fatalf("got %d lines, want %d", len(lines), want)
	}
	var first diag.Diagnostic
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line: %v", err)
	}
	if first.Code != diag.CodeStreamPreview || !strings.HasPrefix(first.Message, "raw bitstream") {
		t.Fatalf("first record = %+v", first)
	}
	var last decodeResponse
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("last line: %v", err)
	}
	if last.Type != "report" || !last.Report.Summary.Pass {
		t.Fatalf("last record = %+v", last)
	}
}

func TestHandleDecodeUploadedInput(t *testing.T) {
	ts := newTestServer(t)
	_, refs := uploadFile(t, ts.URL, "capture.raw", sampleStream(t))
	if len(refs) != 1 {
		t.Fatalf("uploaded %d files", len(refs))
	}
	out := postDecode(t, ts.URL+"/decode?fedId=3&input="+refs[0].ID, nil)
	if out.Report.Input != "capture.raw" || !out.Report.Summary.Pass {
		t.Fatalf("report = %+v", out.Report.Summary)
	}
}

func TestHandleDecodeRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		name   string
		method string
		url    string
		body   []byte
		status int
	}{
		{"method", http.MethodGet, "/decode?fedId=1", nil, http.StatusMethodNotAllowed},
		{"no fed id", http.MethodPost, "/decode", []byte("x"), http.StatusBadRequest},
		{"bad fed id", http.MethodPost, "/decode?fedId=-1", []byte("x"), http.StatusBadRequest},
		{"empty body", http.MethodPost, "/decode?fedId=1", nil, http.StatusBadRequest},
		{"unknown input", http.MethodPost, "/decode?fedId=1&input=nope", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, ts.URL+tc.url, bytes.NewReader(tc.body))
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestHealthAndArtifactList(t *testing.T) {
	ts := newTestServer(t)
	postDecode(t, ts.URL+"/decode?fedId=1", sampleStream(t))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var health struct {
		Status    string `json:"status"`
		Decodes   int64  `json:"decodes"`
		Fragments int64  `json:"fragments"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health.Status != "ok" || health.Decodes != 1 || health.Fragments != 20 {
		t.Fatalf("health = %+v", health)
	}

	resp, err = http.Get(ts.URL + "/artifacts")
	if err != nil {
		t.Fatalf("GET /artifacts: %v", err)
	}
	var refs []ArtifactRef
	json.NewDecoder(resp.Body).Decode(&refs)
	resp.Body.Close()
	if len(refs) != 4 {
		t.Fatalf("listed %d artifacts, want 4", len(refs))
	}

	resp, err = http.Get(ts.URL + "/artifacts/unknown")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}
