// Package api serves the read-only network snapshot over HTTP and JSON-RPC 2.0
// and accepts inbound peer connections.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/candlefish-ai/meshcoord/internal/auction"
	"github.com/candlefish-ai/meshcoord/internal/audit"
	"github.com/candlefish-ai/meshcoord/internal/consortium"
	"github.com/candlefish-ai/meshcoord/internal/peer"
	"github.com/candlefish-ai/meshcoord/pkg/mesh"
)

// JSON-RPC 2.0 error codes
const (
	JSONRPCParseError      = -32700
	JSONRPCInvalidRequest  = -32600
	JSONRPCMethodNotFound  = -32601
	JSONRPCInvalidParams   = -32602
	JSONRPCInternalError   = -32603
	JSONRPCOperationFailed = -32000
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Node is the coordinator surface the server exposes
type Node interface {
	LocalID() string
	NetworkState(ctx context.Context) (*mesh.NetworkState, error)
	Agents() []*mesh.Agent
	Peers() []peer.PeerInfo
	AuctionOutcomes() []auction.Outcome
	ConsensusState() map[string]any
	PeerRegistry() *peer.Registry
	Journal() *audit.Logger

	ConnectToPeer(ctx context.Context, address string) (string, error)
	SubmitQuery(ctx context.Context, query string, requirements []string) (string, error)
	Propose(ctx context.Context, recipient string, typ mesh.NegotiationType, terms map[string]any) (string, error)
	Respond(ctx context.Context, id string, accept bool, counterTerms map[string]any) error
	FormConsortium(ctx context.Context, taskID string, required []string) (*mesh.Consortium, error)
	UpdateConsortium(ctx context.Context, id string, patch consortium.Patch) (*mesh.Consortium, error)
	StartOptimization(ctx context.Context, agentID string, metric mesh.Metric) (*mesh.OptimizationRecord, error)
}

// Server is the HTTP front of a node
type Server struct {
	node     Node
	operator bool
	logger   *slog.Logger
	mux      *http.ServeMux
	handler  http.Handler
}

// Option configures a Server
type Option func(*Server)

// WithOperator exposes the mutating JSON-RPC methods
func WithOperator(enabled bool) Option {
	return func(s *Server) { s.operator = enabled }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for node
func NewServer(node Node, opts ...Option) *Server {
	s := &Server{
		node:   node,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := http.NewServeMux()
	api.HandleFunc("/health", s.handleHealth)
	api.HandleFunc("/api/v1/state", s.handleState)
	api.HandleFunc("/api/v1/agents", s.handleAgents)
	api.HandleFunc("/api/v1/rpc", s.handleJSONRPC)

	// The upgrade needs the raw ResponseWriter, so it bypasses the middleware.
	s.mux.HandleFunc(peer.DefaultPeerPath, peer.HandleUpgrade(s.node.PeerRegistry()))
	s.mux.Handle("/", requestIDMiddleware(loggingMiddleware(s.logger, tracingMiddleware(api))))
	s.handler = s.mux
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mesh.HealthResponse{Status: "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := s.node.NetworkState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.node.Agents())
}

// handleJSONRPC processes JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "Method not allowed", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "Parse error", err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "Invalid JSON-RPC version", nil)
		return
	}

	ctx := r.Context()
	switch {
	case req.Method == "mesh.state":
		st, err := s.node.NetworkState(ctx)
		s.reply(w, &req, st, err)
	case req.Method == "mesh.agents":
		agents := s.node.Agents()
		s.sendJSONRPCSuccess(w, req.ID, map[string]interface{}{"agents": agents, "count": len(agents)})
	case req.Method == "mesh.peers":
		peers := s.node.Peers()
		s.sendJSONRPCSuccess(w, req.ID, map[string]interface{}{"peers": peers, "count": len(peers)})
	case req.Method == "mesh.negotiations":
		st, err := s.node.NetworkState(ctx)
		if err != nil {
			s.reply(w, &req, nil, err)
			return
		}
		s.sendJSONRPCSuccess(w, req.ID, map[string]interface{}{"negotiations": st.Negotiations})
	case req.Method == "mesh.consortiums":
		st, err := s.node.NetworkState(ctx)
		if err != nil {
			s.reply(w, &req, nil, err)
			return
		}
		s.sendJSONRPCSuccess(w, req.ID, map[string]interface{}{"consortiums": st.Consortiums})
	case req.Method == "mesh.optimizations":
		st, err := s.node.NetworkState(ctx)
		if err != nil {
			s.reply(w, &req, nil, err)
			return
		}
		s.sendJSONRPCSuccess(w, req.ID, map[string]interface{}{"optimizations": st.Optimizations})
	case req.Method == "mesh.auctions":
		s.sendJSONRPCSuccess(w, req.ID, map[string]interface{}{"outcomes": s.node.AuctionOutcomes()})
	case req.Method == "mesh.consensus":
		s.sendJSONRPCSuccess(w, req.ID, map[string]interface{}{"state": s.node.ConsensusState()})
	case strings.HasPrefix(req.Method, "mesh.audit"):
		s.handleAuditRPC(w, &req)
	default:
		if !s.operator || !s.handleOperatorRPC(ctx, w, &req) {
			s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "Method not found", req.Method)
		}
	}
}

// handleOperatorRPC serves the mutating methods. It reports false for unknown methods.
func (s *Server) handleOperatorRPC(ctx context.Context, w http.ResponseWriter, req *JSONRPCRequest) bool {
	switch req.Method {
	case "mesh.connect":
		var params struct {
			Address string `json:"address"`
		}
		if !s.decode(w, req, &params) {
			return true
		}
		peerID, err := s.node.ConnectToPeer(ctx, params.Address)
		s.reply(w, req, map[string]string{"peerId": peerID}, err)

	case "mesh.submitQuery":
		var params struct {
			Query        string   `json:"query"`
			Requirements []string `json:"requirements,omitempty"`
		}
		if !s.decode(w, req, &params) {
			return true
		}
		id, err := s.node.SubmitQuery(ctx, params.Query, params.Requirements)
		s.reply(w, req, map[string]string{"queryId": id}, err)

	case "mesh.propose":
		var params struct {
			Recipient string               `json:"recipient"`
			Type      mesh.NegotiationType `json:"type"`
			Terms     map[string]any       `json:"terms,omitempty"`
		}
		if !s.decode(w, req, &params) {
			return true
		}
		id, err := s.node.Propose(ctx, params.Recipient, params.Type, params.Terms)
		s.reply(w, req, map[string]string{"negotiationId": id}, err)

	case "mesh.respond":
		var params struct {
			NegotiationID string         `json:"negotiationId"`
			Accept        bool           `json:"accept"`
			Terms         map[string]any `json:"terms,omitempty"`
		}
		if !s.decode(w, req, &params) {
			return true
		}
		err := s.node.Respond(ctx, params.NegotiationID, params.Accept, params.Terms)
		s.reply(w, req, map[string]string{"status": "sent"}, err)

	case "mesh.formConsortium":
		var params struct {
			TaskID       string   `json:"taskId"`
			Capabilities []string `json:"capabilities"`
		}
		if !s.decode(w, req, &params) {
			return true
		}
		c, err := s.node.FormConsortium(ctx, params.TaskID, params.Capabilities)
		s.reply(w, req, c, err)

	case "mesh.updateConsortium":
		var params struct {
			ID string `json:"id"`
			consortium.Patch
		}
		if !s.decode(w, req, &params) {
			return true
		}
		c, err := s.node.UpdateConsortium(ctx, params.ID, params.Patch)
		s.reply(w, req, c, err)

	case "mesh.startOptimization":
		var params struct {
			AgentID string      `json:"agentId,omitempty"`
			Metric  mesh.Metric `json:"metric"`
		}
		if !s.decode(w, req, &params) {
			return true
		}
		rec, err := s.node.StartOptimization(ctx, params.AgentID, params.Metric)
		s.reply(w, req, rec, err)

	default:
		return false
	}
	return true
}

// handleAuditRPC routes audit-related JSON-RPC methods
func (s *Server) handleAuditRPC(w http.ResponseWriter, req *JSONRPCRequest) {
	journal := s.node.Journal()
	if journal == nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "Audit journal not available", nil)
		return
	}

	result, err := journal.HandleJSONRPC(req.Method, req.Params)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, err.Error(), nil)
		return
	}

	s.sendJSONRPCSuccess(w, req.ID, result)
}

func (s *Server) decode(w http.ResponseWriter, req *JSONRPCRequest, v interface{}) bool {
	if len(req.Params) == 0 {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", "params are required")
		return false
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "Invalid params", err.Error())
		return false
	}
	return true
}

// reply sends result, or maps err onto a JSON-RPC error
func (s *Server) reply(w http.ResponseWriter, req *JSONRPCRequest, result interface{}, err error) {
	if err == nil {
		s.sendJSONRPCSuccess(w, req.ID, result)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, err.Error(), nil)
		return
	}
	s.logger.Info("api: operation failed", "method", req.Method, "error", err)
	s.sendJSONRPCError(w, req.ID, JSONRPCOperationFailed, err.Error(), nil)
}

// sendJSONRPCSuccess sends a successful JSON-RPC response
func (s *Server) sendJSONRPCSuccess(w http.ResponseWriter, id interface{}, result interface{}) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		s.sendJSONRPCError(w, id, JSONRPCInternalError, "Failed to marshal result", err.Error())
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  resultJSON,
		ID:      id,
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// sendJSONRPCError sends a JSON-RPC error response
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}

	w.WriteHeader(http.StatusOK) // JSON-RPC errors are still HTTP 200
	json.NewEncoder(w).Encode(resp)
}
