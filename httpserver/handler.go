package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/master-key-backup/backup"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/metrics"
	"github.com/ruteri/master-key-backup/provider"
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Handler serves the read-only key management API of the daemon. It never
// returns key material, only fingerprints and backup metadata.
type Handler struct {
	keys      *KeyHolder
	backups   *backup.Manager
	providers *provider.Registry
	log       *slog.Logger
}

// NewHandler creates a new HTTP request handler with the specified dependencies.
//
// Parameters:
//   - keys: The master key currently served by the daemon
//   - backups: Backup manager used for listings and verification
//   - providers: Configured secret providers, may be nil
//   - log: Structured logger for operational insights
func NewHandler(keys *KeyHolder, backups *backup.Manager, providers *provider.Registry, log *slog.Logger) *Handler {
	return &Handler{
		keys:      keys,
		backups:   backups,
		providers: providers,
		log:       log,
	}
}

// KeyStatus is the response of GET /api/v1/key.
type KeyStatus struct {
	Fingerprint     string    `json:"fingerprint"`
	LoadedAt        time.Time `json:"loaded_at"`
	Reloads         int64     `json:"reloads"`
	LastReloadError string    `json:"last_reload_error,omitempty"`
}

// BackupView is one entry of GET /api/v1/backups.
type BackupView struct {
	interfaces.BackupRecord
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VerifyView is one entry of GET /api/v1/backups/verify.
type VerifyView struct {
	Path   string `json:"path"`
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// HandleKey reports the fingerprint of the served key.
//
// URL format: GET /api/v1/key
func (h *Handler) HandleKey(w http.ResponseWriter, r *http.Request) {
	fingerprint, loadedAt := h.keys.Fingerprint()
	if fingerprint == "" {
		h.writeError(w, &RequestError{StatusCode: http.StatusServiceUnavailable, Err: interfaces.ErrKeyNotFound})
		return
	}

	status := KeyStatus{
		Fingerprint: fingerprint,
		LoadedAt:    loadedAt,
		Reloads:     h.keys.Reloads(),
	}
	if err := h.keys.LastReloadError(); err != nil {
		status.LastReloadError = err.Error()
	}
	h.writeJSON(w, http.StatusOK, status)
}

// HandleBackups lists the backup artifacts on disk, newest first.
//
// URL format: GET /api/v1/backups
func (h *Handler) HandleBackups(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	records, err := h.backups.List()
	metrics.RecordOperation("list", start, err)
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]BackupView, 0, len(records))
	for _, rec := range records {
		view := BackupView{BackupRecord: rec}
		if rec.Err != nil {
			view.Error = rec.Err.Error()
		} else {
			view.Checksum = rec.ChecksumHex()
		}
		views = append(views, view)
	}
	h.writeJSON(w, http.StatusOK, views)
}

// HandleVerify verifies every backup artifact without a passphrase. The
// response status is 200 when all artifacts verify and 409 otherwise.
//
// URL format: GET /api/v1/backups/verify
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	results, err := h.backups.VerifyAll()
	metrics.RecordOperation("verify_all", start, err)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	views := make([]VerifyView, 0, len(results))
	for _, res := range results {
		view := VerifyView{
			Path:   res.Record.Path,
			Type:   res.Record.Type.String(),
			OK:     res.OK,
			Reason: res.Reason,
		}
		if !res.OK {
			view.Code = interfaces.ErrorCode(res.Err)
			status = http.StatusConflict
		}
		views = append(views, view)
	}
	h.writeJSON(w, status, views)
}

// HandleProviders reports the health of every configured secret provider.
//
// URL format: GET /api/v1/providers
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		Name  string `json:"name"`
		Kind  string `json:"kind"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}

	out := []providerStatus{}
	if h.providers != nil {
		failures := h.providers.ValidateAll(r.Context())
		for _, p := range h.providers.All() {
			st := providerStatus{Name: p.Name(), Kind: string(p.Kind()), OK: true}
			if err, failed := failures[p.Name()]; failed {
				st.OK = false
				st.Error = err.Error()
			}
			out = append(out, st)
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.StatusCode
	} else if errors.Is(err, interfaces.ErrKeyNotFound) {
		status = http.StatusNotFound
	}

	h.log.Error("Request failed", "err", err, slog.Int("status", status))
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  interfaces.ErrorCode(err),
	})
}
