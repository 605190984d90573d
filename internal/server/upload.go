package server

import (
	"bufio"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/rawdata"
)

// handleUpload stores raw captures for a later /decode?input=<id>. A FED
// container is unpacked into one raw artifact per FED id.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var refs []ArtifactRef
	for _, files := range r.MultipartForm.File {
		for _, fh := range files {
			stored, err := s.storeUpload(fh)
			if err != nil {
				http.Error(w, fmt.Sprintf("upload %s: %v", fh.Filename, err), http.StatusBadRequest)
				return
			}
			refs = append(refs, stored...)
		}
	}
	if len(refs) == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Files []ArtifactRef `json:"files"`
	}{Files: refs})
}

func (s *Server) storeUpload(fh *multipart.FileHeader) ([]ArtifactRef, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	br := bufio.NewReader(src)
	head, _ := br.Peek(4)
	if rawdata.IsContainer(head) {
		return s.unpackUpload(br, fh.Filename)
	}

	dest, err := os.CreateTemp(s.uploadsDir, "upload-*.raw")
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(dest, br)
	if cerr := dest.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("empty file")
	}
	if err != nil {
		os.Remove(dest.Name())
		return nil, err
	}
	art, err := s.addArtifact(dest.Name(), filepath.Base(fh.Filename), "application/octet-stream", "raw")
	if err != nil {
		return nil, err
	}
	s.logger.Infof("stored capture %s as %s (%d bytes)", art.Name, art.ID, art.Size)
	return []ArtifactRef{toRef(art)}, nil
}

// unpackUpload stores every FED entry of a container as its own raw
// artifact named "<container>_fed<id>.raw". The unpacked total is held to
// the upload limit.
func (s *Server) unpackUpload(r io.Reader, filename string) ([]ArtifactRef, error) {
	coll, err := rawdata.ReadLimit(r, s.maxUploadBytes)
	if err != nil {
		return nil, err
	}
	if coll.Len() == 0 {
		return nil, fmt.Errorf("container holds no FED data")
	}
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var refs []ArtifactRef
	for _, id := range coll.IDs() {
		data, _ := coll.Get(id)
		dest, err := os.CreateTemp(s.uploadsDir, fmt.Sprintf("fed%d-*.raw", id))
		if err != nil {
			return refs, err
		}
		_, err = dest.Write(data)
		if cerr := dest.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest.Name())
			return refs, err
		}
		name := fmt.Sprintf("%s_fed%d.raw", stem, id)
		art, err := s.addArtifact(dest.Name(), name, "application/octet-stream", "raw")
		if err != nil {
			return refs, err
		}
		refs = append(refs, toRef(art))
	}
	s.logger.Infof("unpacked %s into %d FED captures", filename, len(refs))
	return refs, nil
}
