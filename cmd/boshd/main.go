// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The boshd command is a BOSH connection manager.
//
// It accepts BOSH sessions over HTTP and bridges each of them to a client to
// server XMPP stream.
//
// Usage:
//
//	boshd [--config boshd.yaml] [--listen :5280] [--domains domains.yaml]
//
// Settings from the config file can be overridden with BOSHD_* environment
// variables (for example BOSHD_LISTEN or BOSHD_MAX_WAIT), which can in turn be
// overridden by flags.
package main // import "mellium.im/bosh/cmd/boshd"

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"mellium.im/bosh"
	"mellium.im/bosh/internal/discover"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		logLevel    string
		domainsFile string
	)
	flagSet := pflag.NewFlagSet("boshd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("BOSHD_CONFIG"), "path to a YAML config file")
	flagSet.StringVar(&listen, "listen", "", "address to listen on")
	flagSet.StringVar(&logLevel, "log-level", "", "minimum level to log (debug, info, warn, error)")
	flagSet.StringVar(&domainsFile, "domains", "", "YAML file of allowed and denied domains, reloaded when it changes")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		cfg.Listen = listen
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("domains") {
		cfg.DomainsFile = domainsFile
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	logger := cfg.logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var list domainList
	if cfg.DomainsFile != "" {
		list, err = loadDomains(cfg.DomainsFile)
		if err != nil {
			return fmt.Errorf("error loading domains: %w", err)
		}
	}
	m := bosh.NewManager(cfg.manager(logger, list))
	defer m.Close()

	if cfg.DomainsFile != "" {
		dw, err := watchDomains(cfg.DomainsFile, logger, func(l domainList) {
			m.SetDomains(cfg.domains(l))
		})
		if err != nil {
			return fmt.Errorf("error watching domains: %w", err)
		}
		defer dw.Close()
		go dw.Run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(cfg, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("boshd.listen", slog.String("addr", cfg.Listen), slog.String("path", cfg.Path))
		if cfg.TLSCert != "" {
			errc <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("boshd.shutdown")

	// Answer held requests before waiting for them to finish.
	if err := m.Close(); err != nil {
		logger.Warn("boshd.shutdown.error", slog.String("err", err.Error()))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newMux returns the HTTP handler for the BOSH endpoint and, if a public URL
// is configured, the host-meta documents that advertise it.
func newMux(cfg config, m *bosh.Manager, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	h := bosh.NewHandler(m)
	mux.Handle(cfg.Path, h)
	if !strings.HasSuffix(cfg.Path, "/") {
		mux.Handle(cfg.Path+"/", h)
	}
	if cfg.PublicURL == "" {
		return mux
	}

	xrd := discover.HostMeta(cfg.PublicURL)
	mux.HandleFunc("GET "+discover.HostMetaPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/xrd+xml; charset=utf-8")
		_, err := io.WriteString(w, xml.Header)
		if err == nil {
			err = xml.NewEncoder(w).Encode(xrd)
		}
		if err != nil {
			logger.Debug("http.hostmeta.error", slog.String("err", err.Error()))
		}
	})
	mux.HandleFunc("GET "+discover.HostMetaPath+".json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(xrd); err != nil {
			logger.Debug("http.hostmeta.error", slog.String("err", err.Error()))
		}
	})
	return mux
}
