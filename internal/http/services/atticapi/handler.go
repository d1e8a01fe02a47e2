// Copyright 2024 The atticd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package atticapi is the HTTP front door (spec.md §6): the chi-routed
// service exposing the upload, narinfo, and nar endpoints, grounded on
// the donor's internal/http/services/thumbnails handler shape (config
// struct + zerolog + chi.Router) and its global.Register plugin
// convention.
package atticapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cs3org/atticd/internal/http/global"
	"github.com/cs3org/atticd/pkg/atticauth"
	"github.com/cs3org/atticd/pkg/atticerr"
	"github.com/cs3org/atticd/pkg/atticlog"
	"github.com/cs3org/atticd/pkg/atticmodel"
	"github.com/cs3org/atticd/pkg/atticread"
	"github.com/cs3org/atticd/pkg/atticstorage"
	"github.com/cs3org/atticd/pkg/atticstore"
	"github.com/cs3org/atticd/pkg/atticupload"
)

var log = atticlog.New("atticapi")

func init() {
	global.Register("atticapi", New)
}

type svc struct {
	conf   *config
	router chi.Router
	auth   *atticauth.Authenticator
	store  *atticstore.Store
	coord  *atticupload.Coordinator
	reader *atticread.Reader
}

// New constructs the atticapi service from its configuration section. It
// dials the database and storage backend and wires the auth, upload, and
// read collaborators together. This is the assembly root described in
// SPEC_FULL.md §10's cmd/atticd, surfaced here because the donor's
// services construct their own dependencies from config rather than
// accepting them as parameters.
func New(conf map[string]interface{}) (global.Service, error) {
	c, err := parseConfig(conf)
	if err != nil {
		return nil, err
	}

	store, err := atticstore.Open(atticstore.Driver(c.DatabaseDriver), c.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}

	backend, err := newBackend(c)
	if err != nil {
		return nil, err
	}

	uploadCfg := atticupload.DefaultConfig()
	uploadCfg.ChunkingThreshold = c.ChunkingThresholdBytes
	uploadCfg.Compression = atticmodel.CompressionKind(c.Compression)
	uploadCfg.CompressionLevel = compressorLevel(c.CompressionLevel)
	uploadCfg.ChunkUploadConcurrency = c.ChunkUploadConcurrency

	s := &svc{
		conf:   c,
		auth:   atticauth.New([]byte(c.JWTSecret)),
		store:  store,
		coord:  &atticupload.Coordinator{Store: store, Backend: backend, Config: uploadCfg},
		reader: &atticread.Reader{Store: store, Backend: backend},
	}
	s.router = s.newRouter()
	return s, nil
}

func (s *svc) Handler() http.Handler { return s.router }
func (s *svc) Prefix() string        { return s.conf.Prefix }
func (s *svc) Close() error          { return s.store.Close() }

// StoreAndBackend exposes the service's metadata store and storage
// backend so the process entry point can run the garbage collector
// against the same instances the HTTP handlers use, without constructing
// a second database connection. cmd/atticd type-asserts global.Service
// to this interface.
func (s *svc) StoreAndBackend() (*atticstore.Store, atticstorage.Backend) {
	return s.store, s.coord.Backend
}

func (s *svc) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Put("/_api/v1/upload-path", s.handleUpload)
	r.Get("/{cache}/{hash}.narinfo", s.handleNarInfo)
	r.Get("/{cache}/nar/{hash}.nar", s.handleNar)
	return r
}

// preamble is the wire shape of atticupload.Preamble (spec.md §4.1).
type preamble struct {
	Cache         string   `json:"cache"`
	StorePath     string   `json:"store_path"`
	StorePathHash string   `json:"store_path_hash"`
	NarHash       string   `json:"nar_hash"`
	NarSize       int64    `json:"nar_size"`
	References    []string `json:"references"`
	System        *string  `json:"system"`
	Deriver       *string  `json:"deriver"`
	CA            *string  `json:"ca"`
	Sigs          []string `json:"sigs"`
}

// readPreamble implements spec.md §4.1's "Preamble" delivery: either the
// dedicated X-Attic-Nar-Info header, or a length-prefixed prefix of the
// body whose length is given by X-Attic-Nar-Info-Length.
func (s *svc) readPreamble(r *http.Request) (preamble, io.Reader, error) {
	var raw []byte

	if hdr := r.Header.Get("X-Attic-Nar-Info"); hdr != "" {
		raw = []byte(hdr)
	} else if lenHdr := r.Header.Get("X-Attic-Nar-Info-Length"); lenHdr != "" {
		n, err := strconv.ParseInt(lenHdr, 10, 64)
		if err != nil || n < 0 {
			return preamble{}, nil, atticerr.RequestError("invalid X-Attic-Nar-Info-Length")
		}
		if n > s.conf.MaxPreambleBytes {
			return preamble{}, nil, atticerr.RequestError("preamble exceeds configured size limit")
		}
		raw = make([]byte, n)
		if _, err := io.ReadFull(r.Body, raw); err != nil {
			return preamble{}, nil, atticerr.RequestError("truncated preamble")
		}
	} else {
		return preamble{}, nil, atticerr.RequestError("missing preamble")
	}

	if int64(len(raw)) > s.conf.MaxPreambleBytes {
		return preamble{}, nil, atticerr.RequestError("preamble exceeds configured size limit")
	}

	var p preamble
	if err := json.Unmarshal(raw, &p); err != nil {
		return preamble{}, nil, atticerr.RequestError("malformed preamble json")
	}
	return p, r.Body, nil
}

func (s *svc) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, body, err := s.readPreamble(r)
	if err != nil {
		writeError(w, err)
		return
	}

	cache, perms, err := s.resolveCacheAndAuthorize(r, p.Cache)
	if err != nil {
		writeError(w, err)
		return
	}
	if !perms.CanPush {
		writeError(w, atticerr.AuthError("missing push permission"))
		return
	}

	limited := io.LimitReader(body, p.NarSize)
	res, err := s.coord.Upload(r.Context(), cache, atticupload.Preamble{
		StorePath:     p.StorePath,
		StorePathHash: p.StorePathHash,
		NarHash:       p.NarHash,
		NarSize:       p.NarSize,
		References:    p.References,
		System:        p.System,
		Deriver:       p.Deriver,
		CA:            p.CA,
		Sigs:          p.Sigs,
	}, limited)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"kind":              res.Kind,
		"file_size":         res.FileSize,
		"frac_deduplicated": res.FracDeduplicated,
	})
}

func (s *svc) handleNarInfo(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")
	hash := chi.URLParam(r, "hash")

	_, perms, err := s.resolveCacheAndAuthorize(r, cacheName)
	if err != nil {
		writeError(w, err)
		return
	}
	if !perms.CanPull {
		writeError(w, atticerr.AuthError("missing pull permission"))
		return
	}

	info, err := s.reader.NarInfo(r.Context(), cacheName, hash)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	_ = json.NewEncoder(w).Encode(info)
}

func (s *svc) handleNar(w http.ResponseWriter, r *http.Request) {
	cacheName := chi.URLParam(r, "cache")
	hash := chi.URLParam(r, "hash")

	_, perms, err := s.resolveCacheAndAuthorize(r, cacheName)
	if err != nil {
		writeError(w, err)
		return
	}
	if !perms.CanPull {
		writeError(w, atticerr.AuthError("missing pull permission"))
		return
	}

	w.Header().Set("Content-Type", "application/x-nix-nar")
	if err := s.reader.StreamNar(r.Context(), cacheName, hash, w); err != nil {
		log.Warn().Err(err).Str("cache", cacheName).Str("hash", hash).Msg("nar stream failed mid-response")
	}
}

// resolveCacheAndAuthorize implements spec.md §7's discovery-gated
// 401-vs-404 distinction: a caller lacking discovery permission on the
// cache gets 401 regardless of whether the cache exists; a caller with
// discovery permission but a genuinely missing cache gets 404.
func (s *svc) resolveCacheAndAuthorize(r *http.Request, cacheName string) (atticmodel.Cache, atticauth.Permissions, error) {
	if !atticmodel.ValidCacheName(cacheName) {
		return atticmodel.Cache{}, atticauth.Permissions{}, atticerr.RequestError("invalid cache name")
	}

	cache, found, err := s.store.FindCache(r.Context(), cacheName)
	if err != nil {
		return atticmodel.Cache{}, atticauth.Permissions{}, &atticerr.DatabaseError{Op: "find_cache", Err: err}
	}

	perms, err := s.auth.Authorize(r, cacheName, found && cache.IsPublic)
	if err != nil {
		return atticmodel.Cache{}, atticauth.Permissions{}, err
	}
	if !perms.CanDiscover {
		return atticmodel.Cache{}, atticauth.Permissions{}, atticerr.AuthError("no discovery permission on cache")
	}
	if !found {
		return atticmodel.Cache{}, atticauth.Permissions{}, atticerr.NotFoundError("no such cache")
	}
	return cache, perms, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case atticerr.IsRequestError(err):
		status = http.StatusBadRequest
	case atticerr.IsAuthError(err):
		status = http.StatusUnauthorized
	case atticerr.IsNotFoundError(err):
		status = http.StatusNotFound
	case atticerr.IsStorageError(err), atticerr.IsDatabaseError(err):
		status = http.StatusInternalServerError
		log.Error().Err(err).Msg("internal error serving request")
	}
	http.Error(w, http.StatusText(status), status)
}
