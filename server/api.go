// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxPendingKicks = 10_000

// Kick is a disconnect the registry asks the connection layer to carry out.
type Kick struct {
	ID      uuid.UUID `json:"id"`
	Message string    `json:"message"`
}

type connectRequestBody struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	IP                 string `json:"ip"`
	ProtocolVersion    int    `json:"protocol_version"`
	ClientBrand        string `json:"client_brand"`
	BypassVersionCheck bool   `json:"bypass_version_check"`
}

type connectResponseBody struct {
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

type sessionResponseBody struct {
	ID       uuid.UUID  `json:"id"`
	Name     string     `json:"name,omitempty"`
	Online   bool       `json:"online"`
	Node     string     `json:"node,omitempty"`
	Server   string     `json:"server,omitempty"`
	IP       string     `json:"ip,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type countResponseBody struct {
	Node  string `json:"node,omitempty"`
	Count int    `json:"count"`
}

// ApiServer is the HTTP surface the connection layer and operators use.
type ApiServer struct {
	logger *zap.Logger
	config Config
	node   *PresenceNode

	kicksMutex sync.Mutex
	kicks      []*Kick

	limiter *ipRateLimiter
	server  *http.Server
}

// NewApiServer builds the router and installs the server as the node's Disconnector.
func NewApiServer(logger *zap.Logger, config Config, node *PresenceNode) *ApiServer {
	s := &ApiServer{
		logger: logger,
		config: config,
		node:   node,
		kicks:  make([]*Kick, 0),
	}
	if apiConfig := config.GetAPI(); apiConfig.RateLimitPerSec > 0 {
		s.limiter = newIPRateLimiter(logger, rate.Limit(apiConfig.RateLimitPerSec), apiConfig.RateLimitBurst)
	}
	node.Lifecycle.SetDisconnector(s)
	return s
}

// Handler returns the full middleware chain around the routes.
func (s *ApiServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", s.connect).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", s.resolve).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.disconnect).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/server", s.switchServer).Methods(http.MethodPut)
	v1.HandleFunc("/kicks", s.drainKicks).Methods(http.MethodGet)
	v1.HandleFunc("/rebuild", s.rebuild).Methods(http.MethodPost)
	v1.HandleFunc("/players", s.listOnline).Methods(http.MethodGet)
	v1.HandleFunc("/players/{name}", s.resolveName).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	v1.HandleFunc("/count", s.globalCount).Methods(http.MethodGet)
	v1.HandleFunc("/count/{node}", s.nodeCount).Methods(http.MethodGet)

	var handler http.Handler = r
	if s.limiter != nil {
		handler = s.limiter.middleware(handler)
	}
	handler = handlers.CompressHandler(handler)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.logger)), handlers.PrintRecoveryStack(true))(handler)
}

// Start listens on the configured address in the background.
func (s *ApiServer) Start(startupLogger *zap.Logger) error {
	apiConfig := s.config.GetAPI()
	listener, err := net.Listen("tcp", apiConfig.Address)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(apiConfig.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(apiConfig.WriteTimeoutMs) * time.Millisecond,
	}

	startupLogger.Info("Starting API server", zap.String("address", listener.Addr().String()))
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("API server listener failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *ApiServer) Stop() {
	if s.limiter != nil {
		s.limiter.stop()
	}
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", zap.Error(err))
	}
}

// Disconnect queues a kick for the connection layer to collect.
func (s *ApiServer) Disconnect(id uuid.UUID, message string) {
	s.kicksMutex.Lock()
	defer s.kicksMutex.Unlock()
	if len(s.kicks) >= maxPendingKicks {
		s.logger.Warn("Kick queue full, dropping kick", zap.Stringer("id", id))
		return
	}
	s.kicks = append(s.kicks, &Kick{ID: id, Message: message})
}

func (s *ApiServer) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *ApiServer) connect(w http.ResponseWriter, r *http.Request) {
	var body connectRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := uuid.FromString(body.ID)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid player id")
		return
	}
	if body.Name == "" {
		writeError(s.logger, w, http.StatusBadRequest, "name is required")
		return
	}

	err = s.node.Lifecycle.Connect(r.Context(), &ConnectRequest{
		ID:                 id,
		Name:               body.Name,
		IP:                 body.IP,
		ProtocolVersion:    body.ProtocolVersion,
		ClientBrand:        body.ClientBrand,
		BypassVersionCheck: body.BypassVersionCheck,
	})

	var rejected *RejectedConnection
	switch {
	case err == nil:
		writeJSON(s.logger, w, http.StatusOK, &connectResponseBody{Admitted: true})
	case errors.As(err, &rejected):
		writeJSON(s.logger, w, http.StatusForbidden, &connectResponseBody{Reason: rejected.Reason.String(), Message: rejected.Message})
	default:
		s.logger.Error("Connect failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "connect failed")
	}
}

func (s *ApiServer) disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(s.logger, w, r)
	if !ok {
		return
	}
	s.node.Lifecycle.Disconnect(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *ApiServer) switchServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(s.logger, w, r)
	if !ok {
		return
	}
	var body struct {
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Server == "" {
		writeError(s.logger, w, http.StatusBadRequest, "server is required")
		return
	}
	s.node.Lifecycle.SwitchServer(id, body.Server)
	w.WriteHeader(http.StatusAccepted)
}

func (s *ApiServer) drainKicks(w http.ResponseWriter, r *http.Request) {
	s.kicksMutex.Lock()
	kicks := s.kicks
	s.kicks = make([]*Kick, 0)
	s.kicksMutex.Unlock()
	writeJSON(s.logger, w, http.StatusOK, kicks)
}

func (s *ApiServer) rebuild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Sessions []*LiveSession `json:"sessions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.node.Lifecycle.Rebuild(r.Context(), body.Sessions); err != nil {
		s.storeError(w, "rebuild", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ApiServer) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(s.logger, w, r)
	if !ok {
		return
	}
	session, err := s.node.Query.Resolve(r.Context(), id)
	if err != nil {
		s.storeError(w, "resolve", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, sessionResponse(session))
}

func (s *ApiServer) resolveName(w http.ResponseWriter, r *http.Request) {
	id, err := s.node.Query.ResolveID(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.storeError(w, "resolve_name", err)
		return
	}
	session, err := s.node.Query.Resolve(r.Context(), id)
	if err != nil {
		s.storeError(w, "resolve_name", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, sessionResponse(session))
}

func (s *ApiServer) listOnline(w http.ResponseWriter, r *http.Request) {
	players, err := s.node.Query.ListOnline(r.Context(), r.URL.Query().Get("node"))
	if err != nil {
		s.storeError(w, "list_online", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, players)
}

func (s *ApiServer) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.node.Query.ListNodes(r.Context())
	if err != nil {
		s.storeError(w, "list_nodes", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, nodes)
}

func (s *ApiServer) globalCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.node.Query.GlobalCount(r.Context())
	if err != nil {
		s.storeError(w, "global_count", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, &countResponseBody{Count: count})
}

func (s *ApiServer) nodeCount(w http.ResponseWriter, r *http.Request) {
	node := mux.Vars(r)["node"]
	count, err := s.node.Query.NodeCount(r.Context(), node)
	if err != nil {
		s.storeError(w, "node_count", err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, &countResponseBody{Node: node, Count: count})
}

func (s *ApiServer) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrPlayerNotFound):
		writeError(s.logger, w, http.StatusNotFound, "player not found")
	case errors.Is(err, ErrStoreUnavailable):
		s.logger.Warn("Query failed", zap.String("op", op), zap.Error(err))
		writeError(s.logger, w, http.StatusServiceUnavailable, "registry unavailable")
	default:
		s.logger.Error("Query failed", zap.String("op", op), zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "internal error")
	}
}

func sessionResponse(session *PlayerSession) *sessionResponseBody {
	body := &sessionResponseBody{
		ID:     session.ID,
		Name:   session.Name,
		Online: session.Online(),
		Node:   session.Node,
		Server: session.Server,
		IP:     session.IP,
	}
	if !session.LastSeen.IsZero() {
		lastSeen := session.LastSeen
		body.LastSeen = &lastSeen
	}
	return body
}

func pathID(logger *zap.Logger, w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		writeError(logger, w, http.StatusBadRequest, "invalid player id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", zap.Int("status", status), zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, message string) {
	writeJSON(logger, w, status, map[string]string{"error": message})
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter holds one token bucket per client IP. Idle buckets are pruned.
type ipRateLimiter struct {
	sync.Mutex
	logger   *zap.Logger
	limit    rate.Limit
	burst    int
	limiters map[string]*clientLimiter
	done     chan struct{}
	once     sync.Once
}

func newIPRateLimiter(logger *zap.Logger, limit rate.Limit, burst int) *ipRateLimiter {
	l := &ipRateLimiter{
		logger:   logger,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
		done:     make(chan struct{}),
	}
	go l.prune(5*time.Minute, 10*time.Minute)
	return l
}

func (l *ipRateLimiter) get(ip string) *rate.Limiter {
	l.Lock()
	defer l.Unlock()

	entry, found := l.limiters[ip]
	if !found {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (l *ipRateLimiter) prune(interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.Lock()
			for ip, entry := range l.limiters {
				if time.Since(entry.lastSeen) > idle {
					delete(l.limiters, ip)
				}
			}
			l.Unlock()
		}
	}
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.get(ip).Allow() {
			writeError(l.logger, w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ipRateLimiter) stop() {
	l.once.Do(func() { close(l.done) })
}
