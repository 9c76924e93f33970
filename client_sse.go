package weathergate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	baseRetryDelay = 5 * time.Second
	maxRetryDelay  = 30 * time.Second
	maxMissedPings = 3
	callTimeout    = 30 * time.Second
)

// ConnectionState tracks the lifecycle of an SSE client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// SSEClient is an MCP client for servers speaking the SSE transport: it
// reads the endpoint event from the stream, performs the initialize
// handshake, and correlates responses to in-flight requests by JSON-RPC
// ID.
type SSEClient struct {
	url         string
	httpClient  *http.Client
	clientInfo  ClientInfo
	logger      Logger
	pingTimeout time.Duration

	mu              sync.Mutex
	state           ConnectionState
	messageEndpoint string
	nextID          int64
	pending         map[int64]chan Response
	lastPing        time.Time
	missedPings     int
	retryAttempt    int

	serverInfo      ServerInfo
	protocolVersion string

	cancel context.CancelFunc
	ready  chan struct{}
}

// SSEClientConfig configures an SSEClient.
type SSEClientConfig struct {
	// URL of the server's events endpoint.
	URL string
	// HTTPClient is optional; http.DefaultClient is used when nil.
	HTTPClient *http.Client
	ClientInfo ClientInfo
	Logger     Logger
	// PingTimeout is the window in which a keepalive or message must
	// arrive before a miss is counted. Defaults to the server's ping
	// interval.
	PingTimeout time.Duration
}

// NewSSEClient creates a new SSEClient.
func NewSSEClient(config SSEClientConfig) *SSEClient {
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Logger == nil {
		config.Logger = NewNullLogger()
	}
	if config.ClientInfo.Name == "" {
		config.ClientInfo = ClientInfo{Name: "weathergate-client", Version: serverVersion}
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = pingInterval
	}

	return &SSEClient{
		url:         config.URL,
		httpClient:  config.HTTPClient,
		clientInfo:  config.ClientInfo,
		logger:      config.Logger,
		pingTimeout: config.PingTimeout,
		pending:     make(map[int64]chan Response),
		ready:       make(chan struct{}),
	}
}

// Connect establishes the SSE stream and completes the initialize
// handshake. It returns once the server is ready for requests or the
// context expires. The stream is maintained with exponential backoff
// reconnects until Close is called.
func (c *SSEClient) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancel = cancel
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	go c.run(runCtx)

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("connection not established: %w", ctx.Err())
	}
}

// Close tears the connection down and fails all in-flight requests.
func (c *SSEClient) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.failPending(fmt.Errorf("client closed"))
}

// State reports the current connection state.
func (c *SSEClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the identity reported by the server during the
// initialize handshake.
func (c *SSEClient) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

func (c *SSEClient) run(ctx context.Context) {
	for {
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		c.setState(Connecting)
		c.failPending(fmt.Errorf("connection lost"))

		delay := c.nextBackoff()
		c.logger.WithFields(map[string]interface{}{
			"delay": delay.String(),
		}).WithErr(err).Warn("SSE stream lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(Disconnected)
			return
		}
	}
}

// streamOnce runs a single stream lifetime: connect, handshake, then read
// events until the stream breaks or the keepalive watchdog declares it
// dead.
func (c *SSEClient) streamOnce(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to events endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events endpoint returned status %d", resp.StatusCode)
	}

	c.resetPingStatus()
	go c.watchPings(streamCtx, cancel)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == ":ping" || strings.HasPrefix(line, ":"):
			c.resetPingStatus()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			// Message traffic counts as liveness; the server only pings an
			// idle stream.
			c.resetPingStatus()
			data := strings.TrimSpace(line[len("data:"):])
			if err := c.handleEvent(ctx, event, data); err != nil {
				return err
			}
		case strings.TrimSpace(line) == "":
			event = ""
		}
	}

	if ctx.Err() == nil && streamCtx.Err() != nil {
		return fmt.Errorf("stream stalled: %d keepalives missed", maxMissedPings)
	}

	if err := scanner.Err(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		return fmt.Errorf("SSE stream error: %w", err)
	}
	return fmt.Errorf("SSE stream ended")
}

// watchPings counts keepalive windows that pass without any traffic and
// kills the stream once the miss threshold is reached. The run loop's
// backoff reconnect takes over from there.
func (c *SSEClient) watchPings(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.pingTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.recordPingCheck() {
				c.logger.WithFields(map[string]interface{}{
					"missed": maxMissedPings,
				}).Warn("No keepalives received, presuming stream dead")
				cancel()
				return
			}
		}
	}
}

// recordPingCheck counts a miss when no keepalive or message arrived
// within the window and reports whether the miss threshold was reached.
func (c *SSEClient) recordPingCheck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastPing) < c.pingTimeout {
		c.missedPings = 0
		return false
	}

	c.missedPings++
	return c.missedPings >= maxMissedPings
}

func (c *SSEClient) handleEvent(ctx context.Context, event, data string) error {
	if event == "endpoint" {
		c.mu.Lock()
		c.messageEndpoint = data
		c.mu.Unlock()

		go func() {
			if err := c.initialize(ctx); err != nil {
				c.logger.WithErr(err).Error("Initialize handshake failed")
			}
		}()
		return nil
	}

	var response Response
	if err := json.Unmarshal([]byte(data), &response); err != nil || response.ID == nil {
		// Server notification or unparseable payload; neither resolves a
		// pending call.
		c.logger.WithFields(map[string]interface{}{
			"data": data,
		}).Debug("Ignoring non-response event")
		return nil
	}

	id, err := strconv.ParseInt(strings.Trim(string(*response.ID), `"`), 10, 64)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{
			"id": string(*response.ID),
		}).Warn("Response with unrecognized id")
		return nil
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- response
	}
	return nil
}

// initialize performs the initialize request plus the initialized
// notification, then marks the client ready.
func (c *SSEClient) initialize(ctx context.Context) error {
	result, err := c.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]bool{"listChanged": true},
		},
		ClientInfo: c.clientInfo,
	})
	if err != nil {
		return fmt.Errorf("initialize request failed: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.protocolVersion = initResult.ProtocolVersion
	c.retryAttempt = 0
	c.setStateLocked(Connected)
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"server":  initResult.ServerInfo.Name,
		"version": initResult.ProtocolVersion,
	}).Info("Connection established successfully")
	return nil
}

// Call sends a JSON-RPC request and waits for the correlated response
// from the stream.
func (c *SSEClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	endpoint := c.messageEndpoint
	if endpoint == "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("no message endpoint available")
	}

	c.nextID++
	id := c.nextID
	ch := make(chan Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	idRaw := json.RawMessage(strconv.FormatInt(id, 10))
	request := Request{
		JSONRPC: "2.0",
		ID:      &idRaw,
		Method:  method,
	}
	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		request.Params = paramsBytes
	}

	if err := c.post(ctx, endpoint, request); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case response := <-ch:
		if response.Error != nil {
			return nil, response.Error
		}
		resultBytes, err := json.Marshal(response.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return resultBytes, nil
	case <-time.After(callTimeout):
		cleanup()
		return nil, fmt.Errorf("timed out waiting for response to %s", method)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification; no response is expected.
func (c *SSEClient) Notify(ctx context.Context, method string, params interface{}) error {
	c.mu.Lock()
	endpoint := c.messageEndpoint
	c.mu.Unlock()

	if endpoint == "" {
		return fmt.Errorf("no message endpoint available")
	}

	notification := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		notification.Params = paramsBytes
	}

	return c.post(ctx, endpoint, notification)
}

func (c *SSEClient) post(ctx context.Context, endpoint string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status: %s", resp.Status)
	}
	return nil
}

// ListTools fetches the server's tool catalog.
func (c *SSEClient) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.Call(ctx, "tools/list", ListParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var listResult ListToolsResult
	if err := json.Unmarshal(result, &listResult); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}
	return listResult.Tools, nil
}

// CallTool invokes a remote tool.
func (c *SSEClient) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	result, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool: %w", err)
	}

	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return callResult, nil
}

func (c *SSEClient) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state)
}

func (c *SSEClient) setStateLocked(state ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state
	if state == Connected {
		select {
		case <-c.ready:
		default:
			close(c.ready)
		}
	}
}

func (c *SSEClient) resetPingStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
	c.missedPings = 0
}

func (c *SSEClient) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := baseRetryDelay * time.Duration(1<<uint(c.retryAttempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	} else {
		c.retryAttempt++
	}
	return delay
}

func (c *SSEClient) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan Response)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ErrCodeInternal, Message: err.Error()},
		}
	}
}
