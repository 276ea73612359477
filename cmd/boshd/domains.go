// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// domainList is the format of the domains file:
//
//	allow:
//	  - example.net
//	  - "*.example.com"
//	deny:
//	  - evil.example.com
type domainList struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

func loadDomains(path string) (domainList, error) {
	var list domainList
	f, err := os.Open(path)
	if err != nil {
		return list, err
	}
	defer f.Close()

	d := yaml.NewDecoder(f)
	d.KnownFields(true)
	err = d.Decode(&list)
	if err == io.EOF {
		err = nil
	}
	return list, err
}

// domainWatcher reloads a domains file when it changes.
// The directory containing the file is watched so that editors which replace
// the file instead of writing to it are noticed.
type domainWatcher struct {
	path  string
	w     *fsnotify.Watcher
	log   *slog.Logger
	apply func(domainList)
}

func watchDomains(path string, log *slog.Logger, apply func(domainList)) (*domainWatcher, error) {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &domainWatcher{path: path, w: w, log: log, apply: apply}, nil
}

// Run handles file events until ctx is canceled or the watcher is closed.
func (dw *domainWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != dw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			dw.reload()
		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			dw.log.Warn("domains.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (dw *domainWatcher) reload() {
	list, err := loadDomains(dw.path)
	if err != nil {
		// Keep the old lists, the file may be half written.
		dw.log.Warn("domains.reload.error", slog.String("path", dw.path), slog.String("err", err.Error()))
		return
	}
	dw.log.Info("domains.reload", slog.String("path", dw.path))
	dw.apply(list)
}

// Close stops watching the file.
func (dw *domainWatcher) Close() error {
	return dw.w.Close()
}
