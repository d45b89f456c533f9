package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	nativecommon "levloop/native/common"
	"levloop/native/leverage"
	"levloop/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Server exposes the leverage engine over JSON-RPC 2.0.
type Server struct {
	engine    *leverage.Engine
	authToken string
	log       *slog.Logger
	metrics   *metrics.LeverageMetrics

	mu     sync.Mutex
	quota  nativecommon.Quota
	quotas map[string]nativecommon.QuotaNow
}

// NewServer constructs a server around the engine. Mutating methods require
// the bearer token when one is configured.
func NewServer(engine *leverage.Engine, authToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    engine,
		authToken: strings.TrimSpace(authToken),
		log:       log,
		metrics:   metrics.Leverage(),
		quota:     nativecommon.Quota{MaxRequestsPerEpoch: 60, EpochSeconds: 60},
		quotas:    make(map[string]nativecommon.QuotaNow),
	}
}

// SetQuota overrides the per-source request quota.
func (s *Server) SetQuota(q nativecommon.Quota) {
	s.mu.Lock()
	s.quota = q
	s.mu.Unlock()
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request body", nil)
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC payload", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
		return
	}

	if err := s.throttle(r); err != nil {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	switch req.Method {
	case "lev_open":
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "authorization required", nil)
			return
		}
		s.handleOpen(w, &req)
	case "lev_close":
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "authorization required", nil)
			return
		}
		s.handleClose(w, &req)
	case "lev_getMaxFlashLoan":
		s.handleMaxFlashLoan(w, &req)
	case "lev_getDebt":
		s.handleDebt(w, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "unknown method", req.Method)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.authToken)) == 1
}

func (s *Server) throttle(r *http.Request) error {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota.MaxRequestsPerEpoch == 0 {
		return nil
	}
	epochSeconds := int64(s.quota.EpochSeconds)
	if epochSeconds == 0 {
		epochSeconds = 60
	}
	epoch := uint64(time.Now().Unix() / epochSeconds)
	next, err := nativecommon.CheckQuota(s.quota, epoch, s.quotas[host], 1)
	if err != nil {
		return err
	}
	s.quotas[host] = next
	return nil
}

// errorCode maps engine error kinds onto JSON-RPC codes so callers can react
// programmatically.
func errorCode(err error) int {
	switch {
	case errors.Is(err, leverage.ErrUnauthorized):
		return codeUnauthorized
	case errors.Is(err, leverage.ErrInvalidParameter):
		return codeInvalidParams
	default:
		return codeServerError
	}
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}
