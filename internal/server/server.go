// Package server exposes provisioning over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/koustreak/tenantdb/internal/errs"
	"github.com/koustreak/tenantdb/internal/logger"
	"github.com/koustreak/tenantdb/internal/provision"
	"github.com/koustreak/tenantdb/internal/registry"
)

// Provisioner runs provisioning requests. *provision.Orchestrator
// implements it.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.Result, error)
	EnableModule(ctx context.Context, city, module string, filter provision.FilterMode) (*provision.Result, error)
}

// ModuleLister lists the configured modules. *registry.Registry implements it.
type ModuleLister interface {
	Modules() []registry.Module
}

// Defaults fill request fields the caller leaves out.
type Defaults struct {
	BatchSize int
}

type handler struct {
	prov     Provisioner
	modules  ModuleLister
	defaults Defaults
	log      *logger.Logger
}

// New returns the router.
func New(prov Provisioner, modules ModuleLister, defaults Defaults, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	h := &handler{prov: prov, modules: modules, defaults: defaults, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	r.Get("/modules", h.listModules)
	r.Route("/cities/{slug}", func(r chi.Router) {
		r.Post("/provision", h.provision)
		r.Post("/modules/{module}", h.enableModule)
	})
	return r
}

// provisionBody is the JSON accepted by POST /cities/{slug}/provision.
type provisionBody struct {
	Modules        []string             `json:"modules"`
	Flow           provision.Flow       `json:"flow"`
	Filter         provision.FilterMode `json:"filter"`
	Truncate       bool                 `json:"truncate"`
	SkipIfNotEmpty bool                 `json:"skip_if_not_empty"`
	BatchSize      int                  `json:"batch_size"`
}

type enableBody struct {
	Filter provision.FilterMode `json:"filter"`
}

type errorBody struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind"`
	Result *provision.Result `json:"result,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.modules.Modules())
}

func (h *handler) provision(w http.ResponseWriter, r *http.Request) {
	var body provisionBody
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if body.BatchSize == 0 {
		body.BatchSize = h.defaults.BatchSize
	}

	res, err := h.prov.Provision(r.Context(), provision.Request{
		City:                 chi.URLParam(r, "slug"),
		Modules:              body.Modules,
		Flow:                 body.Flow,
		Filter:               body.Filter,
		SkipIfNotEmpty:       body.SkipIfNotEmpty,
		TruncateBeforeInsert: body.Truncate,
		BatchSize:            body.BatchSize,
	})
	if err != nil {
		h.fail(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) enableModule(w http.ResponseWriter, r *http.Request) {
	var body enableBody
	if err := decode(r, &body); err != nil {
		h.fail(w, r, err, nil)
		return
	}

	res, err := h.prov.EnableModule(r.Context(), chi.URLParam(r, "slug"), chi.URLParam(r, "module"), body.Filter)
	if err != nil {
		h.fail(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode reads an optional JSON body; an empty body leaves v zeroed.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, "invalid request body", err)
	}
	return nil
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error, res *provision.Result) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).ErrorWith("request failed", err, nil)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: errs.KindOf(err).String(), Result: res})
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.ErrKindNotFound:
		return http.StatusNotFound
	case errs.ErrKindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := h.log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))
		log.InfoWith("http request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	})
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully. Provisioning runs in flight are given shutdownGrace to finish.
func Run(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errs.Wrap(errs.ErrKindConnectionFailed, "http server stopped", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errs.Wrap(errs.ErrKindTimeout, "http server shutdown", err)
	}
	log.Info("http server stopped")
	return nil
}

const shutdownGrace = 30 * time.Second
