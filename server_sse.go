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
	"go.opentelemetry.io/otel/codes"
)

const (
	pingInterval    = 30 * time.Second
	clientChanDepth = 10
	sendTimeout     = 100 * time.Millisecond
)

// SSEServer exposes a BaseServer over Server-Sent Events. GET /events
// establishes the stream; POST /message?clientID= carries JSON-RPC
// traffic back to the server.
type SSEServer struct {
	*BaseServer
	clients      map[string]chan []byte
	clientsMutex sync.RWMutex
	address      string
}

// NewSSEServer creates a new SSEServer around a BaseServer.
func NewSSEServer(baseServer *BaseServer) *SSEServer {
	s := &SSEServer{
		BaseServer: baseServer,
		clients:    make(map[string]chan []byte),
		address:    baseServer.sseAddress,
	}

	s.sendNoti = s.sendNotification
	return s
}

// SetAddress overrides the server's listening address.
func (s *SSEServer) SetAddress(address string) {
	s.address = address
}

// Handler returns the http.Handler serving /events and /message, for
// embedding into an existing mux.
func (s *SSEServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleSSEConnection)
	mux.HandleFunc("/message", s.handleClientMessage)
	return withCORS(mux)
}

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *SSEServer) sendResponse(clientID string, id *json.RawMessage, result interface{}, respErr *Error) {
	response := Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
		Error:   respErr,
	}

	jsonResponse, err := json.Marshal(response)
	if err != nil {
		s.logger.WithErr(err).Error("Error marshalling response")
		s.sendError(clientID, id, ErrCodeInternal, "Internal error: failed to marshal response", nil)
		return
	}

	s.sendMessageToClient(clientID, jsonResponse)
}

func (s *SSEServer) sendError(clientID string, id *json.RawMessage, code int, message string, data interface{}) {
	errorResponse := Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}

	jsonErrorResponse, err := json.Marshal(errorResponse)
	if err != nil {
		s.logger.WithErr(err).Error("Error marshaling error response")
		return
	}
	s.sendMessageToClient(clientID, jsonErrorResponse)
}

func (s *SSEServer) sendNotification(clientID string, method string, params interface{}) {
	notification := Notification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			s.logger.WithErr(err).Error("Error marshaling notification parameters")
			return
		}
		notification.Params = json.RawMessage(paramsBytes)
	}

	jsonNotification, err := json.Marshal(notification)
	if err != nil {
		s.logger.WithErr(err).Error("Error marshaling notification message")
		return
	}

	if clientID == "" {
		s.broadcast(jsonNotification)
		return
	}
	s.sendMessageToClient(clientID, jsonNotification)
}

func (s *SSEServer) broadcast(message []byte) {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	for _, clientChan := range s.clients {
		select {
		case clientChan <- message:
		default:
			s.logger.Warn("Client message buffer full, dropping notification")
		}
	}
}

// sendMessageToClient sends a message to a specific client. Unresponsive
// clients are removed rather than blocking the sender.
func (s *SSEServer) sendMessageToClient(clientID string, message []byte) {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	clientChan, ok := s.clients[clientID]
	if !ok {
		s.logger.WithFields(map[string]interface{}{
			"clientID": clientID,
		}).Debug("Attempted to send message to non-existent client")
		return
	}

	select {
	case clientChan <- message:
	case <-time.After(sendTimeout):
		s.logger.WithFields(map[string]interface{}{
			"clientID": clientID,
		}).Warn("Client message buffer full or client unresponsive, dropping message")
		go s.removeClient(clientID)
	}
}

// handleSSEConnection establishes a new SSE stream.
func (s *SSEServer) handleSSEConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := StartSpan(r.Context(), "SSEServer.handleSSEConnection")
	defer span.End()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("Streaming unsupported!")
		span.SetStatus(codes.Error, "streaming unsupported")
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := uuid.NewString()
	messageChan := make(chan []byte, clientChanDepth)
	connectedAt := time.Now()

	s.clientsMutex.Lock()
	s.clients[clientID] = messageChan
	s.clientsMutex.Unlock()

	defer func() {
		s.removeClient(clientID)
		s.logger.WithFields(map[string]interface{}{
			"clientID":        clientID,
			"connection_time": time.Since(connectedAt).String(),
		}).Info("SSE client disconnected")
	}()

	endpointURL := fmt.Sprintf("http://%s/message?clientID=%s", r.Host, clientID)
	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpointURL); err != nil {
		s.logger.WithErr(err).Error("Error sending endpoint data")
		return
	}
	flusher.Flush()

	s.logger.WithFields(map[string]interface{}{
		"clientID": clientID,
	}).Info("SSE client connected")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-messageChan:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"clientID": clientID,
				}).WithErr(err).Error("Error sending message data")
				return
			}
			flusher.Flush()
		case <-time.After(pingInterval):
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"clientID": clientID,
				}).WithErr(err).Error("Error sending keepalive data")
				return
			}
			flusher.Flush()
		}
	}
}

// handleClientMessage processes incoming messages posted to /message.
func (s *SSEServer) handleClientMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := StartSpan(r.Context(), "SSEServer.handleClientMessage")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID := r.URL.Query().Get("clientID")
	if clientID == "" {
		s.logger.Error("Missing clientID")
		http.Error(w, "Missing clientID", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.WithErr(err).Error("Error reading request body")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	s.logger.WithFields(map[string]interface{}{
		"clientID":       clientID,
		"message_length": len(body),
	}).Debug("Received message from client")

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		s.logger.WithErr(err).Error("Error unmarshaling message")
		s.sendError(clientID, nil, ErrCodeParseError, "Error unmarshaling message", nil)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var request Request
	if err := json.Unmarshal(raw, &request); err == nil && request.Method != "" && request.ID != nil {
		if request.Method != "initialize" && !s.Initialized() {
			s.logger.Warn("Received request before 'initialize'")
			s.sendError(clientID, request.ID, ErrCodeNotInitialized, "Server not initialized", nil)
			w.WriteHeader(http.StatusAccepted)
			return
		}

		result, dispatchErr := s.Dispatch(ctx, clientID, &request)
		s.sendResponse(clientID, request.ID, result, dispatchErr)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var notification Notification
	if err := json.Unmarshal(raw, &notification); err == nil && notification.Method != "" {
		if notification.Method != "notifications/initialized" && !s.Initialized() {
			s.logger.Warn("Received notification before 'initialized'")
			w.WriteHeader(http.StatusAccepted)
			return
		}

		s.HandleNotification(ctx, clientID, &notification)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.logger.Error("Invalid request")
	span.SetStatus(codes.Error, "invalid request")
	s.sendError(clientID, nil, ErrCodeInvalidRequest, "Invalid Request", nil)
	w.WriteHeader(http.StatusAccepted)
}

// Run starts the SSE server and blocks until the context is cancelled or
// the listener fails.
func (s *SSEServer) Run(ctx context.Context) error {
	server := &http.Server{
		BaseContext: func(listener net.Listener) context.Context {
			return ctx
		},
		Addr:    s.address,
		Handler: s.Handler(),
	}

	s.LogMessage(LogLevelInfo, "startup", fmt.Sprintf("Starting SSE server on %s", s.address))

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Context cancelled. Closing all client connections...")
		s.closeAllClients()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithErr(err).Error("Error during server shutdown")
			return fmt.Errorf("error during server shutdown: %w", err)
		}

		s.logger.Warn("Server gracefully shut down.")
		return ctx.Err()
	case err := <-errChan:
		s.logger.WithErr(err).Error("Error starting server")
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *SSEServer) removeClient(clientID string) {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()

	if ch, exists := s.clients[clientID]; exists {
		close(ch)
		delete(s.clients, clientID)
	}
}

func (s *SSEServer) closeAllClients() {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()

	for clientID, ch := range s.clients {
		close(ch)
		delete(s.clients, clientID)
	}
}
