// Package manifest records the digests of a decode run's inputs and outputs
// and optionally signs the record.
package manifest

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/crypto"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

type Manifest struct {
	CreatedAt time.Time  `json:"createdAt"`
	ShaAlgo   string     `json:"shaAlgo"`
	Items     []Item     `json:"items"`
	Signature *Signature `json:"signature,omitempty"`
}

type Signature struct {
	Type string `json:"type"`
	// JWS is the compact detached signature over the manifest with the
	// signature field removed.
	JWS         string `json:"jws"`
	CertSubject string `json:"certSubject,omitempty"`
}

var ErrUnsigned = errors.New("manifest is not signed")

func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: common.Now(), ShaAlgo: "sha256"}
	for _, p := range paths {
		hex, sz, err := common.Sha256OfFile(p)
		if err != nil {
			return m, err
		}
		m.Items = append(m.Items, Item{Path: p, Size: sz, Sha256: hex, Type: itemType(p)})
	}
	return m, nil
}

func itemType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw":
		return "raw"
	case ".fedraw":
		return "fedraw"
	case ".jsonl", ".ndjson":
		return "jsonl"
	case ".json":
		return "json"
	case ".pdf":
		return "pdf"
	default:
		return "other"
	}
}

// Sign attaches a detached RS256 signature computed over the unsigned
// manifest. certPEM may be nil.
func Sign(m *Manifest, keyPEM, certPEM []byte) error {
	payload, err := signingPayload(*m)
	if err != nil {
		return err
	}
	jws, err := crypto.SignDetachedJWS(payload, keyPEM, certPEM)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	sig := &Signature{Type: "jws-rs256-detached", JWS: jws.Compact()}
	if subject, err := certSubject(certPEM); err == nil {
		sig.CertSubject = subject
	}
	m.Signature = sig
	return nil
}

// Verify checks the manifest signature against publicPEM, a certificate or
// public key.
func Verify(m Manifest, publicPEM []byte) error {
	if m.Signature == nil || m.Signature.JWS == "" {
		return ErrUnsigned
	}
	jws, err := crypto.ParseCompact(m.Signature.JWS)
	if err != nil {
		return err
	}
	payload, err := signingPayload(m)
	if err != nil {
		return err
	}
	return crypto.VerifyDetachedJWS(jws, payload, publicPEM)
}

// CheckItems re-hashes every item and reports the first one whose content no
// longer matches. Relative item paths resolve against root.
func CheckItems(m Manifest, root string) error {
	if m.ShaAlgo != "sha256" {
		return fmt.Errorf("unsupported manifest algorithm %q", m.ShaAlgo)
	}
	if len(m.Items) == 0 {
		return errors.New("manifest has no items")
	}
	for _, item := range m.Items {
		if strings.TrimSpace(item.Path) == "" {
			return errors.New("manifest item missing path")
		}
		path := filepath.Clean(item.Path)
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("manifest item %q: %w", item.Path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("manifest item %q is a directory", item.Path)
		}
		hash, size, err := common.Sha256OfFile(path)
		if err != nil {
			return fmt.Errorf("hash %q: %w", item.Path, err)
		}
		if size != item.Size {
			return fmt.Errorf("manifest size mismatch for %s", item.Path)
		}
		if hash != item.Sha256 {
			return fmt.Errorf("manifest digest mismatch for %s", item.Path)
		}
	}
	return nil
}

func certSubject(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", errors.New("no certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	return cert.Subject.String(), nil
}

func signingPayload(m Manifest) ([]byte, error) {
	m.Signature = nil
	return json.Marshal(m)
}

func Save(m Manifest, out string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
