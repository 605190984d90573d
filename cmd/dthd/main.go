package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/P2-Tracker-BES-SW/cmssw/internal/common"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/config"
	"github.com/P2-Tracker-BES-SW/cmssw/internal/server"
)

func main() {
	configPath := flag.String("config", "config/dthd.yaml", "path to configuration file (.yaml or .toml)")
	addr := flag.String("addr", "", "listen address (overrides config port)")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "HTTP read timeout")
	writeTimeout := flag.Duration("write-timeout", 120*time.Second, "HTTP write timeout")
	flag.Parse()

	job, err := config.Load(*configPath)
	if err != nil {
		common.Fatalf("load config: %v", err)
	}
	if err := job.Validate(); err != nil {
		common.Fatalf("invalid config: %v", err)
	}
	if err := os.MkdirAll(job.Server.StorageDir, 0o755); err != nil {
		common.Fatalf("storage dir: %v", err)
	}
	if job.Logs.Directory == "" {
		job.Logs.Directory = filepath.Join(job.Server.StorageDir, "logs")
	}
	if job.Logs.FileName == "" {
		job.Logs.FileName = "dthd.log"
	}
	closeLogs, err := common.SetupLogging(job.Logs, os.Stdout)
	if err != nil {
		common.Fatalf("setup logging: %v", err)
	}
	defer closeLogs()

	opts, err := server.OptionsFromJob(job)
	if err != nil {
		common.Fatalf("server options: %v", err)
	}
	opts.Logger = common.Default()
	srv, err := server.NewServer(opts)
	if err != nil {
		common.Fatalf("server init: %v", err)
	}
	defer srv.Close()

	listenAddr := fmt.Sprintf(":%d", job.Server.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	}

	common.Logf("dthd listening on %s (trailer %s, scaling %s, codec %s)",
		listenAddr, job.Decoder.TrailerMarker, job.Decoder.PayloadScaling, job.Outputs.Codec)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		common.Warnf("shutdown: %v", err)
	}
	common.Logf("dthd stopped")
}
