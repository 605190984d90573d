package manifest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
)

func writeInputs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"run.raw":      "HO",
		"run.fedraw":   "FEDC",
		"diag.jsonl":   "{}\n",
		"report.json":  "{}",
		"report.pdf":   "%PDF",
		"settings.ini": "x",
	}
	var paths []string
	for _, name := range []string{"run.raw", "run.fedraw", "diag.jsonl", "report.json", "report.pdf", "settings.ini"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(files[name]), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestBuildClassifiesItems(t *testing.T) {
	paths := writeInputs(t)
	m, err := Build(paths)
	require.NoError(t, err)
	require.Equal(t, "sha256", m.ShaAlgo)
	require.Len(t, m.Items, len(paths))

	var types []string
	for _, it := range m.Items {
		types = append(types, it.Type)
	}
	require.Equal(t, []string{"raw", "fedraw", "jsonl", "json", "pdf", "other"}, types)
	require.Equal(t, common.Sha256Hex([]byte("HO")), m.Items[0].Sha256)
	require.Equal(t, int64(2), m.Items[0].Size)
}

func TestBuildMissingFile(t *testing.T) {
	_, err := Build([]string{filepath.Join(t.TempDir(), "absent.raw")})
	require.Error(t, err)
}

func TestSignSaveLoadVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "dth manifest signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	m, err := Build(writeInputs(t))
	require.NoError(t, err)
	require.ErrorIs(t, Verify(m, certPEM), ErrUnsigned)

	require.NoError(t, Sign(&m, keyPEM, certPEM))
	require.Equal(t, "CN=dth manifest signer", m.Signature.CertSubject)

	out := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, Save(m, out))
	loaded, err := Load(out)
	require.NoError(t, err)
	require.NoError(t, Verify(loaded, certPEM))

	loaded.Items[0].Sha256 = "00"
	require.Error(t, Verify(loaded, certPEM))
}

func TestCheckItems(t *testing.T) {
	paths := writeInputs(t)
	m, err := Build(paths)
	require.NoError(t, err)
	require.NoError(t, CheckItems(m, ""))

	// Relative paths resolve against the root.
	root := filepath.Dir(paths[0])
	rel := m
	rel.Items = append([]Item(nil), m.Items...)
	for i := range rel.Items {
		rel.Items[i].Path = filepath.Base(rel.Items[i].Path)
	}
	require.NoError(t, CheckItems(rel, root))

	require.NoError(t, os.WriteFile(paths[0], []byte("HF"), 0o644))
	require.ErrorContains(t, CheckItems(m, ""), "digest mismatch")

	require.NoError(t, os.Remove(paths[1]))
	require.Error(t, CheckItems(rel, root))

	require.Error(t, CheckItems(Manifest{ShaAlgo: "sha256"}, root))
}
