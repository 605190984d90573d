// Package config loads decode job settings from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/dth"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/rawdata"
)

type DecoderConfig struct {
	TrailerMarker   string `yaml:"trailerMarker" toml:"trailerMarker"`
	PayloadScaling  string `yaml:"payloadScaling" toml:"payloadScaling"`
	VerifyChecksums bool   `yaml:"verifyChecksums" toml:"verifyChecksums"`
	PreviewBytes    int    `yaml:"previewBytes" toml:"previewBytes"`
}

type OutputConfig struct {
	Diagnostics string `yaml:"diagnostics" toml:"diagnostics"`
	Report      string `yaml:"report" toml:"report"`
	PDF         string `yaml:"pdf" toml:"pdf"`
	FEDRaw      string `yaml:"fedRaw" toml:"fedRaw"`
	Codec       string `yaml:"codec" toml:"codec"`
}

type ServerConfig struct {
	Port        int    `yaml:"port" toml:"port"`
	StorageDir  string `yaml:"storageDir" toml:"storageDir"`
	Concurrency int    `yaml:"concurrency" toml:"concurrency"`
	MaxUploadMB int    `yaml:"maxUploadMB" toml:"maxUploadMB"`
	// SigningKey and SigningCert enable signed manifests when both are set.
	SigningKey  string `yaml:"signingKey" toml:"signingKey"`
	SigningCert string `yaml:"signingCert" toml:"signingCert"`
}

// Job is a complete decode configuration: which file, which FED id to file
// the bytes under, how to decode, where outputs and logs go.
type Job struct {
	InputFile string           `yaml:"inputFile" toml:"inputFile"`
	FEDID     uint32           `yaml:"fedId" toml:"fedId"`
	Decoder   DecoderConfig    `yaml:"decoder" toml:"decoder"`
	Outputs   OutputConfig     `yaml:"outputs" toml:"outputs"`
	Logs      common.LogConfig `yaml:"logs" toml:"logs"`
	Server    ServerConfig     `yaml:"server" toml:"server"`
}

// Load reads a job file; ".toml" files are parsed as TOML, everything else as
// YAML. Relative paths inside the file resolve against its directory.
func Load(path string) (Job, error) {
	var job Job
	data, err := os.ReadFile(path)
	if err != nil {
		return job, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &job); err != nil {
			return job, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &job); err != nil {
			return job, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	job.resolvePaths(filepath.Dir(path))
	job.ApplyDefaults()
	return job, nil
}

func (j *Job) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	j.InputFile = resolve(j.InputFile)
	j.Outputs.Diagnostics = resolve(j.Outputs.Diagnostics)
	j.Outputs.Report = resolve(j.Outputs.Report)
	j.Outputs.PDF = resolve(j.Outputs.PDF)
	j.Outputs.FEDRaw = resolve(j.Outputs.FEDRaw)
	j.Logs.Directory = resolve(j.Logs.Directory)
	j.Server.StorageDir = resolve(j.Server.StorageDir)
	j.Server.SigningKey = resolve(j.Server.SigningKey)
	j.Server.SigningCert = resolve(j.Server.SigningCert)
}

// ApplyDefaults fills unset fields.
func (j *Job) ApplyDefaults() {
	if j.Decoder.TrailerMarker == "" {
		j.Decoder.TrailerMarker = "HF"
	}
	if j.Decoder.PayloadScaling == "" {
		j.Decoder.PayloadScaling = "words"
	}
	if j.Decoder.PreviewBytes <= 0 {
		j.Decoder.PreviewBytes = 64
	}
	if j.Outputs.Codec == "" {
		j.Outputs.Codec = "zstd"
	}
	if j.Logs.MaxSizeMB <= 0 {
		j.Logs.MaxSizeMB = 25
	}
	if j.Logs.MaxAgeDays <= 0 {
		j.Logs.MaxAgeDays = 7
	}
	if j.Logs.MaxBackups <= 0 {
		j.Logs.MaxBackups = 5
	}
	if j.Logs.FileThreshold == "" {
		j.Logs.FileThreshold = "INFO"
	}
	if j.Logs.ConsoleThreshold == "" {
		j.Logs.ConsoleThreshold = "WARN"
	}
	if j.Server.Port == 0 {
		j.Server.Port = 8080
	}
	if j.Server.StorageDir == "" {
		j.Server.StorageDir = filepath.Join(".", "data")
	}
	if j.Server.Concurrency <= 0 {
		j.Server.Concurrency = runtime.NumCPU()
	}
	if j.Server.MaxUploadMB <= 0 {
		j.Server.MaxUploadMB = 512
	}
}

// Validate checks enumerated settings. An empty InputFile is allowed: the
// daemon receives its input over HTTP.
func (j Job) Validate() error {
	var errs []error
	if _, err := dth.ParseMarker(j.Decoder.TrailerMarker); err != nil {
		errs = append(errs, err)
	}
	if _, err := dth.ParseScaling(j.Decoder.PayloadScaling); err != nil {
		errs = append(errs, err)
	}
	if _, err := rawdata.ParseCodec(j.Outputs.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := common.ParseLevel(j.Logs.FileThreshold); err != nil {
		errs = append(errs, err)
	}
	if _, err := common.ParseLevel(j.Logs.ConsoleThreshold); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DecoderOptions converts the decoder section into dth.Options. Sink, Source
// and Metrics are left for the caller.
func (j Job) DecoderOptions() (dth.Options, error) {
	marker, err := dth.ParseMarker(j.Decoder.TrailerMarker)
	if err != nil {
		return dth.Options{}, err
	}
	scaling, err := dth.ParseScaling(j.Decoder.PayloadScaling)
	if err != nil {
		return dth.Options{}, err
	}
	return dth.Options{
		TrailerMarker:   marker,
		Scaling:         scaling,
		VerifyChecksums: j.Decoder.VerifyChecksums,
		PreviewBytes:    j.Decoder.PreviewBytes,
	}, nil
}
