package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxAuditBody caps how much of a request body is buffered for the audit
// record. The rest is still streamed to the handler.
const maxAuditBody = 4 << 10

// auditTarget is the subset of admin request fields worth recording.
type auditTarget struct {
	Chain   string `json:"chain,omitempty"`
	Address string `json:"address,omitempty"`
	Flags   string `json:"flags,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
	Delta   *int64 `json:"delta,omitempty"`
}

// AuditMiddleware writes one record per state-changing admin call: lock
// changes, resends and nonce shifts. Reads pass through unrecorded.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	logger = logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		started := time.Now()
		target, malformed := readAuditTarget(r)
		if target.TxHash == "" {
			target.TxHash = pathTxHash(r.URL.Path)
		}
		if target.Chain == "" {
			target.Chain = r.URL.Query().Get("chain")
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"request_id", id,
			"principal", principal(r.Context()),
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(started).Milliseconds(),
			slog.Group("target",
				"chain", target.Chain,
				"address", target.Address,
				"flags", target.Flags,
				"tx_hash", target.TxHash,
				"delta", deltaAttr(target.Delta),
			),
		}
		if malformed {
			attrs = append(attrs, "malformed_body", true)
		}
		level := slog.LevelInfo
		if rec.status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "admin call", attrs...)
	})
}

// readAuditTarget decodes the body without consuming it for the handler.
func readAuditTarget(r *http.Request) (auditTarget, bool) {
	var t auditTarget
	if r.Body == nil || r.Body == http.NoBody {
		return t, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBody))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
	if err != nil || len(body) == 0 {
		return t, false
	}
	if json.Unmarshal(body, &t) != nil {
		return auditTarget{}, true
	}
	return t, false
}

// pathTxHash pulls {hash} out of /admin/v1/txs/{hash}/...
func pathTxHash(path string) string {
	rest, ok := strings.CutPrefix(path, "/admin/v1/txs/")
	if !ok {
		return ""
	}
	hash, _, _ := strings.Cut(rest, "/")
	return hash
}

func deltaAttr(d *int64) any {
	if d == nil {
		return nil
	}
	return *d
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}
