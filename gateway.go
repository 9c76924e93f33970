package weathergate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	// APIKeyHeader authenticates every gateway request.
	APIKeyHeader = "x-api-key"
	// RouteHeader selects the backend for a POST /sse request.
	RouteHeader = "route"

	defaultGatewayTimeout = 30 * time.Second
)

// Backend serves JSON-RPC requests for one gateway route.
type Backend interface {
	Name() string
	Serve(ctx context.Context, clientID string, request *Request) (interface{}, *Error)
	Notify(ctx context.Context, clientID string, notification *Notification) error
}

// LocalBackend adapts an in-process BaseServer into a Backend. Gateway
// callers do not run the initialize handshake themselves, so the wrapped
// server is marked initialized up front.
type LocalBackend struct {
	name   string
	server *BaseServer
}

// NewLocalBackend creates a Backend around a BaseServer.
func NewLocalBackend(name string, server *BaseServer) *LocalBackend {
	server.MarkInitialized()
	return &LocalBackend{name: name, server: server}
}

func (b *LocalBackend) Name() string { return b.name }

func (b *LocalBackend) Serve(ctx context.Context, clientID string, request *Request) (interface{}, *Error) {
	return b.server.Dispatch(ctx, clientID, request)
}

func (b *LocalBackend) Notify(ctx context.Context, clientID string, notification *Notification) error {
	b.server.HandleNotification(ctx, clientID, notification)
	return nil
}

// RemoteBackend forwards requests to an MCP server reached through an
// SSEClient.
type RemoteBackend struct {
	name   string
	client *SSEClient
}

// NewRemoteBackend creates a Backend that proxies to a remote SSE server.
func NewRemoteBackend(name string, client *SSEClient) *RemoteBackend {
	return &RemoteBackend{name: name, client: client}
}

func (b *RemoteBackend) Name() string { return b.name }

func (b *RemoteBackend) Serve(ctx context.Context, clientID string, request *Request) (interface{}, *Error) {
	result, err := b.client.Call(ctx, request.Method, request.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, &Error{Code: ErrCodeInternal, Message: err.Error()}
	}
	return result, nil
}

func (b *RemoteBackend) Notify(ctx context.Context, clientID string, notification *Notification) error {
	return b.client.Notify(ctx, notification.Method, notification.Params)
}

// GatewayConfig holds configuration for a Gateway.
type GatewayConfig struct {
	logger      Logger
	keys        KeyStore
	audit       AuditLog
	address     string
	callTimeout time.Duration
}

// GatewayOption is a function that modifies GatewayConfig.
type GatewayOption func(*GatewayConfig)

// WithGatewayLogger sets the gateway's logger.
func WithGatewayLogger(logger Logger) GatewayOption {
	return func(c *GatewayConfig) {
		c.logger = logger
	}
}

// WithKeyStore sets the api key store used for authentication.
func WithKeyStore(keys KeyStore) GatewayOption {
	return func(c *GatewayConfig) {
		c.keys = keys
	}
}

// WithAuditLog enables request auditing.
func WithAuditLog(audit AuditLog) GatewayOption {
	return func(c *GatewayConfig) {
		c.audit = audit
	}
}

// WithGatewayAddress sets the listen address.
func WithGatewayAddress(address string) GatewayOption {
	return func(c *GatewayConfig) {
		c.address = address
	}
}

// WithCallTimeout bounds backend execution per request.
func WithCallTimeout(timeout time.Duration) GatewayOption {
	return func(c *GatewayConfig) {
		c.callTimeout = timeout
	}
}

// gatewaySession is one established GET /sse stream.
type gatewaySession struct {
	keyID   string
	channel chan []byte
}

// Gateway exposes registered MCP backends through the connector surface:
// GET /sse establishes an event stream, POST /sse submits JSON-RPC
// envelopes routed by the route header. Requests authenticated by api key
// either complete synchronously (200 with a populated envelope) or, when
// the caller references an established stream session, asynchronously
// (201 now, envelope delivered on the stream correlated by request ID).
type Gateway struct {
	logger      Logger
	keys        KeyStore
	audit       AuditLog
	address     string
	callTimeout time.Duration

	mu       sync.RWMutex
	backends map[string]Backend

	sessionsMu sync.RWMutex
	sessions   map[string]*gatewaySession

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewGateway creates a Gateway with the given options. A key store is
// required before serving traffic.
func NewGateway(opts ...GatewayOption) (*Gateway, error) {
	cfg := &GatewayConfig{
		logger:      NewLogrusLogger(nil),
		address:     ":8080",
		callTimeout: defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.keys == nil {
		return nil, fmt.Errorf("gateway requires a key store")
	}

	return &Gateway{
		logger:      cfg.logger,
		keys:        cfg.keys,
		audit:       cfg.audit,
		address:     cfg.address,
		callTimeout: cfg.callTimeout,
		backends:    make(map[string]Backend),
		sessions:    make(map[string]*gatewaySession),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// RegisterRoute binds a route header value to a backend.
func (g *Gateway) RegisterRoute(name string, backend Backend) error {
	if name == "" {
		return fmt.Errorf("route name cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.backends[name]; exists {
		return fmt.Errorf("duplicate route: %s", name)
	}

	g.backends[name] = backend
	g.logger.WithFields(map[string]interface{}{
		"route":   name,
		"backend": backend.Name(),
	}).Info("Registered gateway route")
	return nil
}

func (g *Gateway) backend(name string) (Backend, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	backend, ok := g.backends[name]
	return backend, ok
}

// Handler returns the http.Handler serving /sse.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			g.handleStream(w, r)
		case http.MethodPost:
			g.handleQuery(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return withCORS(mux)
}

// authenticate resolves the request's api key, or writes a 401.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (*APIKey, bool) {
	secret := r.Header.Get(APIKeyHeader)
	if secret == "" {
		http.Error(w, "Missing api key", http.StatusUnauthorized)
		return nil, false
	}

	key, err := g.keys.Lookup(r.Context(), secret)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			g.logger.WithErr(err).Error("Key store lookup failed")
		}
		http.Error(w, "Invalid api key", http.StatusUnauthorized)
		return nil, false
	}

	return key, true
}

// allow enforces the key's per-minute rate budget. A zero budget means
// unlimited.
func (g *Gateway) allow(key *APIKey) bool {
	if key.RatePerMinute <= 0 {
		return true
	}

	g.limitersMu.Lock()
	limiter, ok := g.limiters[key.ID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(key.RatePerMinute)/60.0), key.RatePerMinute)
		g.limiters[key.ID] = limiter
	}
	g.limitersMu.Unlock()

	return limiter.Allow()
}

// handleStream establishes a gateway event stream session.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := StartSpan(r.Context(), "Gateway.handleStream")
	defer span.End()

	key, ok := g.authenticate(w, r)
	if !ok {
		span.SetStatus(codes.Error, "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("Streaming unsupported!")
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.NewString()
	session := &gatewaySession{
		keyID:   key.ID,
		channel: make(chan []byte, clientChanDepth),
	}

	g.sessionsMu.Lock()
	g.sessions[sessionID] = session
	g.sessionsMu.Unlock()

	defer g.removeSession(sessionID)

	span.SetAttributes(attribute.String("session", sessionID))

	endpointURL := fmt.Sprintf("http://%s/sse?session=%s", r.Host, sessionID)
	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpointURL); err != nil {
		g.logger.WithErr(err).Error("Error sending endpoint data")
		return
	}
	flusher.Flush()

	g.logger.WithFields(map[string]interface{}{
		"session": sessionID,
		"key_id":  key.ID,
	}).Info("Gateway stream established")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-session.channel:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				g.logger.WithFields(map[string]interface{}{
					"session": sessionID,
				}).WithErr(err).Error("Error sending message data")
				return
			}
			flusher.Flush()
		case <-time.After(pingInterval):
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleQuery processes one POST /sse envelope.
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, span := StartSpan(r.Context(), "Gateway.handleQuery")
	defer span.End()

	status := http.StatusOK
	var keyID, routeName, method string
	defer func() {
		g.recordAudit(keyID, routeName, method, status)
	}()

	key, ok := g.authenticate(w, r)
	if !ok {
		status = http.StatusUnauthorized
		span.SetStatus(codes.Error, "unauthorized")
		return
	}
	keyID = key.ID

	if !g.allow(key) {
		status = http.StatusTooManyRequests
		g.logger.WithFields(map[string]interface{}{
			"key_id": key.ID,
		}).Warn("Rate budget exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	routeName = r.Header.Get(RouteHeader)
	if routeName == "" {
		status = http.StatusBadRequest
		http.Error(w, "Missing route header", http.StatusBadRequest)
		return
	}

	backend, ok := g.backend(routeName)
	if !ok {
		status = http.StatusNotFound
		g.logger.WithFields(map[string]interface{}{
			"route": routeName,
		}).Warn("Unknown route")
		http.Error(w, "Unknown route", http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("route", routeName))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var request Request
	if err := json.Unmarshal(body, &request); err != nil || request.Method == "" {
		status = http.StatusBadRequest
		g.logger.WithFields(map[string]interface{}{
			"route":          routeName,
			"message_length": len(body),
		}).Error("Malformed JSON-RPC envelope")
		span.SetStatus(codes.Error, "malformed envelope")

		writeEnvelope(w, http.StatusBadRequest, Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ErrCodeParseError, Message: "Malformed JSON-RPC envelope"},
		})
		return
	}
	method = request.Method

	// Envelopes without an ID are notifications; forward and acknowledge.
	if request.ID == nil {
		notification := Notification{
			JSONRPC: request.JSONRPC,
			Method:  request.Method,
			Params:  request.Params,
		}
		if err := backend.Notify(ctx, key.ID, &notification); err != nil {
			g.logger.WithErr(err).Warn("Failed to forward notification")
		}
		status = http.StatusAccepted
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID != "" {
		if _, exists := g.session(sessionID); !exists {
			status = http.StatusBadRequest
			http.Error(w, "Unknown session", http.StatusBadRequest)
			return
		}

		go g.serveDeferred(sessionID, backend, key.ID, &request)

		status = http.StatusCreated
		w.WriteHeader(http.StatusCreated)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	result, dispatchErr := backend.Serve(callCtx, key.ID, &request)
	writeEnvelope(w, http.StatusOK, Response{
		JSONRPC: "2.0",
		ID:      request.ID,
		Result:  result,
		Error:   dispatchErr,
	})
}

// serveDeferred executes a request in the background and delivers the
// response envelope on the caller's stream, correlated by request ID.
func (g *Gateway) serveDeferred(sessionID string, backend Backend, keyID string, request *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), g.callTimeout)
	defer cancel()

	result, dispatchErr := backend.Serve(ctx, keyID, request)

	envelope, err := json.Marshal(Response{
		JSONRPC: "2.0",
		ID:      request.ID,
		Result:  result,
		Error:   dispatchErr,
	})
	if err != nil {
		g.logger.WithErr(err).Error("Error marshalling deferred response")
		return
	}

	// The read lock is held across the send so a concurrent session close
	// cannot race a send on a closed channel. An unresponsive session is
	// torn down rather than left looking healthy after a dropped envelope.
	g.sessionsMu.RLock()
	session, ok := g.sessions[sessionID]
	if !ok {
		g.sessionsMu.RUnlock()
		g.logger.WithFields(map[string]interface{}{
			"session": sessionID,
		}).Warn("Session gone, dropping deferred response")
		return
	}

	select {
	case session.channel <- envelope:
		g.sessionsMu.RUnlock()
	case <-time.After(sendTimeout):
		g.sessionsMu.RUnlock()
		g.logger.WithFields(map[string]interface{}{
			"session": sessionID,
		}).Warn("Session buffer full or stream unresponsive, closing session")
		g.removeSession(sessionID)
	}
}

func (g *Gateway) session(id string) (*gatewaySession, bool) {
	g.sessionsMu.RLock()
	defer g.sessionsMu.RUnlock()
	session, ok := g.sessions[id]
	return session, ok
}

func (g *Gateway) removeSession(id string) {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()

	if session, exists := g.sessions[id]; exists {
		close(session.channel)
		delete(g.sessions, id)
		g.logger.WithFields(map[string]interface{}{
			"session": id,
		}).Info("Gateway stream closed")
	}
}

func (g *Gateway) recordAudit(keyID, route, method string, status int) {
	if g.audit == nil {
		return
	}

	entry := RequestLogEntry{
		KeyID:      keyID,
		Route:      route,
		Method:     method,
		HTTPStatus: status,
		ReceivedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.audit.RecordRequest(ctx, entry); err != nil {
		g.logger.WithErr(err).Error("Failed to record audit entry")
	}
}

// Run starts the gateway and blocks until the context is cancelled or the
// listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	server := &http.Server{
		BaseContext: func(listener net.Listener) context.Context {
			return ctx
		},
		Addr:    g.address,
		Handler: g.Handler(),
	}

	g.logger.WithFields(map[string]interface{}{
		"address": g.address,
	}).Info("Starting gateway")

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Warn("Context cancelled. Closing all gateway sessions...")
		g.closeAllSessions()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error during gateway shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		g.logger.WithErr(err).Error("Error starting gateway")
		return fmt.Errorf("gateway error: %w", err)
	}
}

func (g *Gateway) closeAllSessions() {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()

	for id, session := range g.sessions {
		close(session.channel)
		delete(g.sessions, id)
	}
}

func writeEnvelope(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// Headers are already written; nothing more to do.
		return
	}
}
