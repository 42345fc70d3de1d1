package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/model"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/lock"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/nonce"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/pipeline"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/reconciliation"
	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/txqueue"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Operator is the set of operator actions the admin API exposes. In
// production this is satisfied by *pipeline.Operator.
type Operator interface {
	HasChain(c model.Chain) bool

	ListLocks(ctx context.Context, c model.Chain, address string) ([]model.Lock, error)
	SetLock(ctx context.Context, c model.Chain, flags model.LockFlag, address, txHash string) (model.LockFlag, error)
	ResetLock(ctx context.Context, c model.Chain, flags model.LockFlag, address string) (model.LockFlag, error)

	GetTx(ctx context.Context, hash string) (model.TxInfo, error)
	ResendTx(ctx context.Context, hash string) (string, error)
	ShiftNonce(ctx context.Context, hash string, delta int64) ([]string, error)

	SyncSegments(ctx context.Context, c model.Chain) ([]model.BlockchainSync, error)
	ReconcileAddress(ctx context.Context, c model.Chain, address string) (*reconciliation.AddressReport, error)
	ReconcileChain(ctx context.Context, c model.Chain) (*reconciliation.RunResult, error)
}

// HealthProvider returns per-pipeline health snapshots as JSON-encodable data.
type HealthProvider interface {
	HealthSnapshots() any
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	op             Operator
	healthProvider HealthProvider
	logger         *slog.Logger
}

func NewServer(op Operator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		op:     op,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/locks", s.handleListLocks)
	mux.HandleFunc("POST /admin/v1/locks", s.handleSetLock)
	mux.HandleFunc("DELETE /admin/v1/locks", s.handleResetLock)
	mux.HandleFunc("GET /admin/v1/txs/{hash}", s.handleGetTx)
	mux.HandleFunc("POST /admin/v1/txs/{hash}/resend", s.handleResendTx)
	mux.HandleFunc("POST /admin/v1/nonce/shift", s.handleShiftNonce)
	mux.HandleFunc("GET /admin/v1/sync", s.handleSync)
	mux.HandleFunc("GET /admin/v1/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /admin/v1/status", s.handleStatus)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeOpError maps an operator error to a status code. Unclassified
// errors are logged and reported as internal.
func (s *Server) writeOpError(w http.ResponseWriter, op string, err error) {
	var locked *lock.LockedError
	switch {
	case errors.As(err, &locked):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "locked", "flags": locked.Flags.String()})
	case errors.Is(err, lock.ErrLocked):
		writeError(w, http.StatusConflict, "locked")
	case errors.Is(err, txqueue.ErrNotLocal):
		writeError(w, http.StatusNotFound, "transaction not known")
	case errors.Is(err, pipeline.ErrUnknownChain):
		writeError(w, http.StatusNotFound, "chain not found")
	case errors.Is(err, txqueue.ErrStateChange), errors.Is(err, model.ErrTerminalState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, nonce.ErrInvalidShift):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("admin operation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// requireChain extracts a known chain from the query.
// Returns false (and writes an error response) if validation fails.
func (s *Server) requireChain(w http.ResponseWriter, c model.Chain) bool {
	if c == "" {
		writeError(w, http.StatusBadRequest, "chain is required")
		return false
	}
	if !s.op.HasChain(c) {
		writeError(w, http.StatusNotFound, "chain not found")
		return false
	}
	return true
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// lockAddress maps an empty address to the chain-wide lock.
func lockAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return model.ZeroAddress
	}
	return model.NormalizeAddress(address)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	c := model.Chain(r.URL.Query().Get("chain"))
	if !s.requireChain(w, c) {
		return
	}
	address := r.URL.Query().Get("address")
	if address != "" {
		address = model.NormalizeAddress(address)
	}
	locks, err := s.op.ListLocks(r.Context(), c, address)
	if err != nil {
		s.writeOpError(w, "list_locks", err)
		return
	}
	if locks == nil {
		locks = []model.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

type lockRequest struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Flags   string `json:"flags"`
	TxHash  string `json:"tx_hash,omitempty"`
}

type lockResponse struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Flags   uint64 `json:"flags"`
	Names   string `json:"names"`
}

func (s *Server) parseLockRequest(w http.ResponseWriter, r *http.Request) (lockRequest, model.LockFlag, bool) {
	var req lockRequest
	if !decodeJSONBody(w, r, &req) {
		return req, 0, false
	}
	if !s.requireChain(w, model.Chain(req.Chain)) {
		return req, 0, false
	}
	flags, err := model.ParseLockFlags(req.Flags)
	if err != nil || flags == 0 {
		writeError(w, http.StatusBadRequest, "invalid lock flags")
		return req, 0, false
	}
	req.Address = lockAddress(req.Address)
	return req, flags, true
}

func (s *Server) handleSetLock(w http.ResponseWriter, r *http.Request) {
	req, flags, ok := s.parseLockRequest(w, r)
	if !ok {
		return
	}
	set, err := s.op.SetLock(r.Context(), model.Chain(req.Chain), flags, req.Address, req.TxHash)
	if err != nil {
		s.writeOpError(w, "set_lock", err)
		return
	}
	s.logger.Info("lock set via admin API", "chain", req.Chain, "address", req.Address, "flags", flags.String())
	writeJSON(w, http.StatusOK, lockResponse{Chain: req.Chain, Address: req.Address, Flags: uint64(set), Names: set.String()})
}

func (s *Server) handleResetLock(w http.ResponseWriter, r *http.Request) {
	req, flags, ok := s.parseLockRequest(w, r)
	if !ok {
		return
	}
	left, err := s.op.ResetLock(r.Context(), model.Chain(req.Chain), flags, req.Address)
	if err != nil {
		s.writeOpError(w, "reset_lock", err)
		return
	}
	s.logger.Info("lock reset via admin API", "chain", req.Chain, "address", req.Address, "flags", flags.String())
	writeJSON(w, http.StatusOK, lockResponse{Chain: req.Chain, Address: req.Address, Flags: uint64(left), Names: left.String()})
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request) {
	info, err := s.op.GetTx(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.writeOpError(w, "get_tx", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleResendTx(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	replacement, err := s.op.ResendTx(r.Context(), hash)
	if err != nil {
		s.writeOpError(w, "resend_tx", err)
		return
	}
	s.logger.Info("resend via admin API", "tx_hash", hash, "replacement", replacement)
	writeJSON(w, http.StatusOK, map[string]string{"tx_hash": hash, "replacement": replacement})
}

type shiftRequest struct {
	TxHash string `json:"tx_hash"`
	Delta  *int64 `json:"delta,omitempty"`
}

func (s *Server) handleShiftNonce(w http.ResponseWriter, r *http.Request) {
	var req shiftRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.TxHash == "" {
		writeError(w, http.StatusBadRequest, "tx_hash is required")
		return
	}
	delta := int64(1)
	if req.Delta != nil {
		delta = *req.Delta
	}
	if delta <= 0 {
		writeError(w, http.StatusBadRequest, "delta must be > 0")
		return
	}
	hashes, err := s.op.ShiftNonce(r.Context(), req.TxHash, delta)
	if err != nil {
		s.writeOpError(w, "shift_nonce", err)
		return
	}
	s.logger.Info("nonce shifted via admin API", "tx_hash", req.TxHash, "delta", delta, "replaced", len(hashes))
	writeJSON(w, http.StatusOK, map[string]any{"tx_hash": req.TxHash, "delta": delta, "tx_hashes": hashes})
}

type syncSegment struct {
	model.BlockchainSync
	Live bool `json:"live"`
	Done bool `json:"done"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	c := model.Chain(r.URL.Query().Get("chain"))
	if !s.requireChain(w, c) {
		return
	}
	segs, err := s.op.SyncSegments(r.Context(), c)
	if err != nil {
		s.writeOpError(w, "sync_segments", err)
		return
	}
	out := make([]syncSegment, 0, len(segs))
	for _, seg := range segs {
		out = append(out, syncSegment{
			BlockchainSync: seg,
			Live:           seg.IsLive(),
			Done:           !seg.IsLive() && seg.BlockCursor >= *seg.BlockTarget,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReconcile audits one address, or every custodial address of the
// chain when address is omitted.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	c := model.Chain(r.URL.Query().Get("chain"))
	if !s.requireChain(w, c) {
		return
	}
	if address := r.URL.Query().Get("address"); address != "" {
		report, err := s.op.ReconcileAddress(r.Context(), c, address)
		if err != nil {
			s.writeOpError(w, "reconcile_address", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	res, err := s.op.ReconcileChain(r.Context(), c)
	if err != nil {
		s.writeOpError(w, "reconcile_chain", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.healthProvider == nil {
		writeError(w, http.StatusServiceUnavailable, "health provider not available")
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.HealthSnapshots())
}
