package server

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/config"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/dth"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/rawdata"
)

// ManifestSigningOptions configures detached JWS manifest signing.
type ManifestSigningOptions struct {
	PrivateKeyPath  string
	CertificatePath string
}

// Options configures server creation.
type Options struct {
	StorageDir      string
	Concurrency     int
	MaxUploadBytes  int64
	Decoder         dth.Options
	Codec           rawdata.Codec
	ManifestSigning ManifestSigningOptions
	Logger          *common.Logger
	Metrics         *common.Metrics
}

// OptionsFromJob maps a loaded job configuration onto server options.
func OptionsFromJob(job config.Job) (Options, error) {
	dec, err := job.DecoderOptions()
	if err != nil {
		return Options{}, err
	}
	codec, err := rawdata.ParseCodec(job.Outputs.Codec)
	if err != nil {
		return Options{}, err
	}
	return Options{
		StorageDir:     job.Server.StorageDir,
		Concurrency:    job.Server.Concurrency,
		MaxUploadBytes: int64(job.Server.MaxUploadMB) << 20,
		Decoder:        dec,
		Codec:          codec,
		ManifestSigning: ManifestSigningOptions{
			PrivateKeyPath:  job.Server.SigningKey,
			CertificatePath: job.Server.SigningCert,
		},
	}, nil
}

type signer struct {
	keyPEM  []byte
	certPEM []byte
}

func loadSigner(opts ManifestSigningOptions) (*signer, error) {
	keyPath := strings.TrimSpace(opts.PrivateKeyPath)
	certPath := strings.TrimSpace(opts.CertificatePath)
	if keyPath == "" && certPath == "" {
		return nil, nil
	}
	if keyPath == "" || certPath == "" {
		return nil, errors.New("manifest signing needs both a private key and a certificate")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read signing certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("signing certificate %s: no CERTIFICATE block", certPath)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, fmt.Errorf("signing certificate %s: %w", certPath, err)
	}
	if b, _ := pem.Decode(keyPEM); b == nil {
		return nil, fmt.Errorf("signing key %s: no pem block", keyPath)
	}
	return &signer{keyPEM: keyPEM, certPEM: certPEM}, nil
}
