// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package bosh

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"mellium.im/bosh/codec"
)

// ContentType is the media type of all responses.
const ContentType = "text/xml; charset=utf-8"

var (
	errContentType = errors.New("bosh: unsupported content type")
	errEncoding    = errors.New("bosh: unsupported content coding")
	errUnknownSID  = errors.New("bosh: unknown session ID")
)

// Browsers send cross origin requests with a "simple" content type to avoid a
// preflight request, so those are accepted in addition to XML.
var acceptedMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/xml"),
	contenttype.NewMediaType("application/xml"),
	contenttype.NewMediaType("text/plain"),
	contenttype.NewMediaType("application/x-www-form-urlencoded"),
}

// Handler is an http.Handler that serves a BOSH endpoint.
type Handler struct {
	m   *Manager
	log *slog.Logger
}

// NewHandler returns a handler that serves the sessions of m.
func NewHandler(m *Manager) *Handler {
	return &Handler{m: m, log: m.log}
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	switch r.Method {
	case http.MethodPost:
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	start := time.Now()
	if !acceptableContentType(r) {
		h.writeError(w, r, BadRequest.Wrap(errContentType))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.m.cfg.MaxBodySize))
	if err != nil {
		h.writeError(w, r, BadRequest.Wrap(err))
		return
	}
	b, payload, err := codec.Parse(data)
	if err != nil {
		h.writeError(w, r, BadRequest.Wrap(err))
		return
	}

	if b.SID == "" {
		s, resp, err := h.m.Create(ctx, b)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status, body := resp.Result()
		h.write(w, r, status, body, s.Encodings())
		h.log.InfoContext(ctx, "http.post.create",
			slog.String("sid", s.ID()),
			slog.Duration("elapsed", time.Since(start)))
		return
	}

	s := h.m.Lookup(b.SID)
	if s == nil {
		h.writeError(w, r, ItemNotFound.Wrap(errUnknownSID))
		return
	}
	resp, err := s.Handle(ctx, b, payload)
	if err != nil {
		if ctx.Err() != nil {
			h.log.DebugContext(ctx, "http.post.canceled", slog.String("sid", b.SID), slog.Uint64("rid", b.RID))
			return
		}
		h.writeError(w, r, err)
		return
	}
	status, body, err := resp.Wait(ctx)
	if err != nil {
		// The response is still cached and will be replayed if the client
		// retransmits the request.
		h.log.DebugContext(ctx, "http.post.canceled", slog.String("sid", b.SID), slog.Uint64("rid", b.RID))
		return
	}
	h.write(w, r, status, body, s.Encodings())
	h.log.DebugContext(ctx, "http.post.end",
		slog.String("sid", b.SID),
		slog.Uint64("rid", b.RID),
		slog.Int("status", status),
		slog.Duration("elapsed", time.Since(start)))
}

func (h *Handler) cors(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.m.cfg.Origin)
	hdr.Set("Access-Control-Allow-Headers", "Content-Type")
	hdr.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	hdr.Set("Access-Control-Max-Age", "86400")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := asError(err)
	level := slog.LevelInfo
	if e.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.log.Log(r.Context(), level, "http.post.error",
		slog.String("condition", e.Condition),
		slog.Int("status", e.Status()),
		slog.String("err", err.Error()))
	h.write(w, r, e.Status(), e.Marshal(), nil)
}

// write sends a response, compressing it with the first of encodings that the
// request accepts.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, data []byte, encodings []string) {
	hdr := w.Header()
	hdr.Set("Content-Type", ContentType)
	if enc := negotiateEncoding(r, encodings); enc != "" {
		var buf bytes.Buffer
		if err := compress(&buf, enc, data); err == nil {
			hdr.Set("Content-Encoding", enc)
			hdr.Add("Vary", "Accept-Encoding")
			data = buf.Bytes()
		} else {
			h.log.WarnContext(r.Context(), "http.compress.error", slog.String("err", err.Error()))
		}
	}
	hdr.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.log.DebugContext(r.Context(), "http.write.error", slog.String("err", err.Error()))
	}
}

func acceptableContentType(r *http.Request) bool {
	if r.Header.Get("Content-Type") == "" {
		return true
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil {
		return false
	}
	for _, mt := range acceptedMediaTypes {
		if ctype.Matches(mt) {
			return true
		}
	}
	return false
}

// negotiateEncoding returns the first of encodings that is listed in the
// Accept-Encoding header of r with a non-zero quality.
func negotiateEncoding(r *http.Request, encodings []string) string {
	if len(encodings) == 0 {
		return ""
	}
	accepted := make(map[string]bool)
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		ok := true
		if q, found := strings.CutPrefix(strings.TrimSpace(params), "q="); found {
			v, err := strconv.ParseFloat(q, 64)
			ok = err == nil && v > 0
		}
		accepted[name] = ok
	}
	for _, enc := range encodings {
		if ok, found := accepted[enc]; found {
			if ok {
				return enc
			}
			continue
		}
		if accepted["*"] {
			return enc
		}
	}
	return ""
}

func compress(w io.Writer, enc string, data []byte) error {
	var zw io.WriteCloser
	switch enc {
	case "gzip":
		zw = gzip.NewWriter(w)
	case "deflate":
		zw = zlib.NewWriter(w)
	default:
		return errEncoding
	}
	if _, err := zw.Write(data); err != nil {
		return err
	}
	return zw.Close()
}
