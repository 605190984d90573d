package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/config"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/diag"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/dth"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/manifest"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/rawdata"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/report"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/samples"
)

var (
	version   = "dev"
	buildDate = "unknown"

	setupLogging = common.SetupLogging
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "decode":
		decodeCmd(os.Args[2:])
	case "batch":
		batchCmd(os.Args[2:])
	case "generate":
		generateCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	case "verify-signature":
		verifySignatureCmd(os.Args[2:])
	case "unpack":
		unpackCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`dthctl %s (built %s) <command> [options]

Commands:
  decode    [--config <job.yaml|job.toml>] --in <file.raw> --fed-id <n> [--out <diagnostics.jsonl>] [--report <report.json>] [--pdf <report.pdf>] [--fedraw <out.fedraw> --codec <none|zstd|lz4>] [--trailer-marker <HF|FH>] [--scaling <words|legacy-bits>] [--verify-checksums] [--metrics] [--progress]
  batch     --in <dir> --out-dir <dir> [--config <job.yaml>] [--concurrency <n>]
  generate  --out <file.raw> [--fragments <n>] [--legacy-bits]
  report    --report <report.json> --pdf <report.pdf>
  manifest  --inputs <comma-separated> --out <manifest.json> [--key <key.pem> --cert <cert.pem>]
  verify-signature --manifest <manifest.json> --cert <cert.pem> [--check-files [--root <dir>]]
  unpack    --in <file.fedraw> --fed-id <n> --out <file.raw>
`, version, buildDate)
}

// decodeFlags are the decode options shared by decode and batch. Values set
// on the command line override the job file.
type decodeFlags struct {
	configPath string
	marker     string
	scaling    string
	verify     bool
	codec      string
	logDir     string
}

func (d *decodeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.configPath, "config", "", "job configuration (.yaml or .toml)")
	fs.StringVar(&d.marker, "trailer-marker", "", "fragment trailer marker: HF or FH")
	fs.StringVar(&d.scaling, "scaling", "", "fragSize unit: words or legacy-bits")
	fs.BoolVar(&d.verify, "verify-checksums", false, "verify header and fragment checksums")
	fs.StringVar(&d.codec, "codec", "", "FED container codec: none, zstd or lz4")
	fs.StringVar(&d.logDir, "log-dir", "", "directory for the rotated decode log")
}

func (d *decodeFlags) job(fs *flag.FlagSet) (config.Job, error) {
	var job config.Job
	if d.configPath != "" {
		var err error
		if job, err = config.Load(d.configPath); err != nil {
			return job, err
		}
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["trailer-marker"] {
		job.Decoder.TrailerMarker = d.marker
	}
	if set["scaling"] {
		job.Decoder.PayloadScaling = d.scaling
	}
	if set["verify-checksums"] {
		job.Decoder.VerifyChecksums = d.verify
	}
	if set["codec"] {
		job.Outputs.Codec = d.codec
	}
	if set["log-dir"] {
		job.Logs.Directory = d.logDir
	}
	job.ApplyDefaults()
	return job, job.Validate()
}

func decodeCmd(args []string) {
	if code := runDecode(args); code != 0 {
		os.Exit(code)
	}
}

// runDecode returns the exit status. It never exits itself, so the log file
// is closed before the process ends.
func runDecode(args []string) int {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	var df decodeFlags
	df.register(fs)
	in := fs.String("in", "", "input raw DTH stream")
	fedID := fs.String("fed-id", "", "FED id to file the stream under")
	outDiag := fs.String("out", "", "diagnostics output (NDJSON)")
	outReport := fs.String("report", "", "decode report JSON")
	outPDF := fs.String("pdf", "", "decode report PDF")
	outFED := fs.String("fedraw", "", "FED raw-data container output")
	fragments := fs.Bool("fragments", false, "list every fragment in the JSON report")
	metricsFlag := fs.Bool("metrics", false, "print decode throughput metrics")
	progressFlag := fs.Bool("progress", false, "display decode progress updates")
	fs.Parse(args)

	job, err := df.job(fs)
	if err != nil {
		fmt.Println("config:", err)
		return 1
	}
	if *in != "" {
		job.InputFile = *in
	}
	if *fedID != "" {
		v, err := strconv.ParseUint(*fedID, 10, 32)
		if err != nil {
			fmt.Println("invalid --fed-id:", *fedID)
			return 1
		}
		job.FEDID = uint32(v)
	}
	for flagVal, dst := range map[*string]*string{
		outDiag:   &job.Outputs.Diagnostics,
		outReport: &job.Outputs.Report,
		outPDF:    &job.Outputs.PDF,
		outFED:    &job.Outputs.FEDRaw,
	} {
		if *flagVal != "" {
			*dst = *flagVal
		}
	}
	if job.InputFile == "" {
		fmt.Println("required: --in")
		return 1
	}

	closeLogs, err := setupLogging(job.Logs, os.Stderr)
	if err != nil {
		fmt.Println("logging:", err)
		return 1
	}
	defer closeLogs()

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		if info, err := os.Stat(job.InputFile); err == nil {
			metrics.SetTotalBytes(info.Size())
		}
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	rep, err := runJob(job, runOptions{metrics: metrics, log: true, fragments: *fragments})
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fmt.Println("decode:", err)
		return 1
	}

	fmt.Printf("PASS=%v, orbits=%d, fragments=%d, errors=%d, warnings=%d, checksum mismatches=%d\n",
		rep.Summary.Pass, rep.Summary.Orbits, rep.Summary.Fragments, rep.Summary.Errors,
		rep.Summary.Warnings, rep.Summary.ChecksumMismatches)
	for _, e := range rep.Errors {
		fmt.Println("  error:", e)
	}
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		fmt.Printf("Metrics: duration=%s orbits=%d fragments=%d processed=%s throughput=%.2f MB/s\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Orbits,
			snap.Fragments,
			common.FormatBytes(snap.Bytes),
			snap.ThroughputBytesPerSecond()/1_000_000,
		)
	}
	if rep.Summary.Errors > 0 {
		return 1
	}
	return 0
}

type runOptions struct {
	metrics *common.Metrics
	// log routes diagnostics to the process logger as well as the outputs.
	log       bool
	fragments bool
}

// runJob decodes job.InputFile and writes every output the job names.
func runJob(job config.Job, ro runOptions) (report.DecodeReport, error) {
	data, err := common.ReadRawFile(job.InputFile)
	if err != nil {
		return report.DecodeReport{}, err
	}
	opts, err := job.DecoderOptions()
	if err != nil {
		return report.DecodeReport{}, err
	}
	col := diag.NewCollector()
	opts.Source = filepath.Base(job.InputFile)
	opts.Metrics = ro.metrics
	opts.Sink = col
	if ro.log {
		opts.Sink = diag.Multi(col, diag.LogSink{Logger: common.Default()})
	}
	res := dth.NewDecoder(opts).Decode(data)
	rep := report.Build(res, col, report.Params{
		Input:            job.InputFile,
		FEDID:            job.FEDID,
		Settings:         report.SettingsFor(opts),
		IncludeFragments: ro.fragments,
	})

	outs := job.Outputs
	if err := writeOutput(outs.Diagnostics, func(p string) error { return diag.WriteFile(p, col.Diagnostics()) }); err != nil {
		return rep, fmt.Errorf("write diagnostics: %w", err)
	}
	if err := writeOutput(outs.Report, func(p string) error { return report.SaveJSON(rep, p) }); err != nil {
		return rep, fmt.Errorf("write report: %w", err)
	}
	if err := writeOutput(outs.PDF, func(p string) error { return report.SavePDF(rep, p) }); err != nil {
		return rep, fmt.Errorf("write pdf: %w", err)
	}
	if err := writeOutput(outs.FEDRaw, func(p string) error {
		codec, err := rawdata.ParseCodec(outs.Codec)
		if err != nil {
			return err
		}
		coll := rawdata.NewCollection()
		coll.Put(job.FEDID, res.Buffer)
		return rawdata.WriteFile(p, coll, codec)
	}); err != nil {
		return rep, fmt.Errorf("write fed container: %w", err)
	}
	return rep, nil
}

func writeOutput(path string, write func(string) error) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return write(path)
}

func batchCmd(args []string) {
	if code := runBatchCmd(args); code != 0 {
		os.Exit(code)
	}
}

func runBatchCmd(args []string) int {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	var df decodeFlags
	df.register(fs)
	inDir := fs.String("in", ".", "input directory")
	outDir := fs.String("out-dir", "out", "results directory")
	concurrency := fs.Int("concurrency", runtime.NumCPU(), "maximum concurrent decodes")
	fedBase := fs.Uint("fed-base", 0, "FED id of the first file; later files count up")
	fs.Parse(args)

	job, err := df.job(fs)
	if err != nil {
		fmt.Println("config:", err)
		return 1
	}
	closeLogs, err := setupLogging(job.Logs, os.Stderr)
	if err != nil {
		fmt.Println("logging:", err)
		return 1
	}
	defer closeLogs()

	results, err := runBatch(context.Background(), job, *inDir, *outDir, uint32(*fedBase), *concurrency)
	if err != nil {
		fmt.Println("batch:", err)
		return 1
	}
	failed := 0
	for _, r := range results {
		status := "PASS"
		if !r.report.Summary.Pass {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%s %s: orbits=%d fragments=%d errors=%d\n", status, r.name,
			r.report.Summary.Orbits, r.report.Summary.Fragments, r.report.Summary.Errors)
	}
	fmt.Printf("%d files, %d failed\n", len(results), failed)
	if failed > 0 {
		return 1
	}
	return 0
}

type batchResult struct {
	name   string
	report report.DecodeReport
}

// runBatch decodes every *.raw file under inDir into its own directory under
// outDir, at most concurrency files at a time.
func runBatch(ctx context.Context, base config.Job, inDir, outDir string, fedBase uint32, concurrency int) ([]batchResult, error) {
	files, err := common.ListRawFiles(inDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .raw files under %s", inDir)
	}
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	results := make([]batchResult, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			dir := filepath.Join(outDir, name)
			job := base
			job.InputFile = path
			job.FEDID = fedBase + uint32(i)
			job.Outputs.Diagnostics = filepath.Join(dir, "diagnostics.jsonl")
			job.Outputs.Report = filepath.Join(dir, "decode_report.json")
			job.Outputs.FEDRaw = filepath.Join(dir, name+".fedraw")
			if base.Outputs.PDF != "" {
				job.Outputs.PDF = filepath.Join(dir, "decode_report.pdf")
			}
			rep, err := runJob(job, runOptions{})
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if !rep.Summary.Pass {
				common.Warnf("%s: %d decode errors", path, rep.Summary.Errors)
			}
			results[i] = batchResult{name: name, report: rep}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	out := fs.String("out", samples.StreamFileName, "output raw stream")
	fragments := fs.Int("fragments", 67, "fragments per orbit")
	legacy := fs.Bool("legacy-bits", false, "encode fragSize in bits, as the early generators did")
	marker := fs.String("trailer-marker", "HF", "fragment trailer marker: HF or FH")
	fs.Parse(args)

	p := samples.DefaultParams()
	p.Fragments = *fragments
	if *legacy {
		p.Scaling = dth.ScalingLegacyBits
	}
	m, err := dth.ParseMarker(*marker)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	p.TrailerMarker = m
	data, err := samples.BuildStream(p)
	if err != nil {
		fmt.Println("generate:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Println("write:", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d orbits, %d fragments each, %s)\n", *out, dth.OrbitCount, p.Fragments, common.FormatBytes(int64(len(data))))
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	repPath := fs.String("report", "", "decode_report.json")
	pdfPath := fs.String("pdf", "", "output decode report PDF")
	fs.Parse(args)
	if *repPath == "" || *pdfPath == "" {
		fmt.Println("required: --report, --pdf")
		os.Exit(1)
	}
	rep, err := report.LoadJSON(*repPath)
	if err != nil {
		fmt.Println("load report:", err)
		os.Exit(1)
	}
	if err := report.SavePDF(rep, *pdfPath); err != nil {
		fmt.Println("write pdf:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote PDF:", *pdfPath)
}

func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	inputs := fs.String("inputs", "", "comma-separated paths")
	out := fs.String("out", "manifest.json", "output json")
	keyPath := fs.String("key", "", "PEM private key; signs the manifest")
	certPath := fs.String("cert", "", "PEM certificate describing the signer")
	fs.Parse(args)

	var paths []string
	for _, p := range strings.Split(*inputs, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		fmt.Println("required: --inputs")
		os.Exit(1)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		fmt.Println("manifest build:", err)
		os.Exit(1)
	}
	if *keyPath != "" {
		keyBytes, err := os.ReadFile(*keyPath)
		if err != nil {
			fmt.Println("read key:", err)
			os.Exit(1)
		}
		var certBytes []byte
		if *certPath != "" {
			if certBytes, err = os.ReadFile(*certPath); err != nil {
				fmt.Println("read cert:", err)
				os.Exit(1)
			}
		}
		if err := manifest.Sign(&m, keyBytes, certBytes); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
	if err := manifest.Save(m, *out); err != nil {
		fmt.Println("manifest save:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote", *out)
}

func verifySignatureCmd(args []string) {
	fs := flag.NewFlagSet("verify-signature", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "manifest JSON file")
	certPath := fs.String("cert", "", "signer certificate or public key (PEM)")
	checkFiles := fs.Bool("check-files", false, "also re-hash every listed file")
	root := fs.String("root", "", "directory relative item paths resolve against (default: the manifest's directory)")
	fs.Parse(args)

	if *manifestPath == "" || *certPath == "" {
		fmt.Println("required: --manifest, --cert")
		os.Exit(1)
	}
	m, err := manifest.Load(*manifestPath)
	if err != nil {
		fmt.Println("read manifest:", err)
		os.Exit(1)
	}
	certBytes, err := os.ReadFile(*certPath)
	if err != nil {
		fmt.Println("read cert:", err)
		os.Exit(1)
	}
	if err := manifest.Verify(m, certBytes); err != nil {
		fmt.Println("verify signature:", err)
		os.Exit(1)
	}
	fmt.Println("Signature OK")
	if *checkFiles {
		dir := *root
		if dir == "" {
			dir = filepath.Dir(*manifestPath)
		}
		if err := manifest.CheckItems(m, dir); err != nil {
			fmt.Println("check files:", err)
			os.Exit(1)
		}
		fmt.Printf("Files OK (%d items)\n", len(m.Items))
	}
}

func unpackCmd(args []string) {
	fs := flag.NewFlagSet("unpack", flag.ExitOnError)
	in := fs.String("in", "", "FED raw-data container")
	fedID := fs.Uint("fed-id", 0, "FED id to extract")
	out := fs.String("out", "", "output raw stream")
	list := fs.Bool("list", false, "list the FED ids held by the container")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	coll, err := rawdata.ReadFile(*in)
	if err != nil {
		fmt.Println("read container:", err)
		os.Exit(1)
	}
	if *list {
		for _, id := range coll.IDs() {
			data, _ := coll.Get(id)
			fmt.Printf("%d\t%s\n", id, common.FormatBytes(int64(len(data))))
		}
		return
	}
	if *out == "" {
		fmt.Println("required: --out")
		os.Exit(1)
	}
	if err := unpack(coll, uint32(*fedID), *out); err != nil {
		fmt.Println("unpack:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote", *out)
}

var errNoSuchFED = errors.New("container holds no data for that FED id")

func unpack(coll *rawdata.Collection, fedID uint32, out string) error {
	data, ok := coll.Get(fedID)
	if !ok {
		return fmt.Errorf("fed %d: %w", fedID, errNoSuchFED)
	}
	return os.WriteFile(out, data, 0o644)
}
