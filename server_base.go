package weathergate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultServerName = "weathergate"
	serverVersion     = "0.1.0"
	defaultListLimit  = 50
)

// ServerConfig holds all configuration for BaseServer.
type ServerConfig struct {
	logger          Logger
	protocolVersion string
	serverName      string
	serverVersion   string
	minLogLevel     LogLevel
	capabilities    Capabilities
	sseAddress      string
}

// ServerOption is a function that modifies ServerConfig.
type ServerOption func(*ServerConfig)

// UseLogger sets a custom logger.
func UseLogger(logger Logger) ServerOption {
	return func(c *ServerConfig) {
		c.logger = logger
	}
}

// UseServerInfo sets server name and version.
func UseServerInfo(name, version string) ServerOption {
	return func(c *ServerConfig) {
		c.serverName = name
		c.serverVersion = version
	}
}

// UseLogLevel sets the minimum log level for notifications/message.
func UseLogLevel(level LogLevel) ServerOption {
	return func(c *ServerConfig) {
		c.minLogLevel = level
	}
}

// UseCapabilities overrides the advertised capabilities.
func UseCapabilities(capabilities Capabilities) ServerOption {
	return func(c *ServerConfig) {
		c.capabilities = capabilities
	}
}

// UseSSEAddress sets the listen address used by the SSE transport.
func UseSSEAddress(address string) ServerOption {
	return func(c *ServerConfig) {
		c.sseAddress = address
	}
}

func defaultServerConfig() *ServerConfig {
	return &ServerConfig{
		logger:          NewLogrusLogger(nil),
		protocolVersion: ProtocolVersion,
		serverName:      defaultServerName,
		serverVersion:   serverVersion,
		sseAddress:      ":8080",
		minLogLevel:     LogLevelInfo,
		capabilities: Capabilities{
			Resources: CapabilitiesResources{ListChanged: true, Subscribe: false},
			Tools:     CapabilitiesTools{ListChanged: true},
			Prompts:   CapabilitiesPrompts{ListChanged: true},
			Logging:   CapabilitiesLogging{},
		},
	}
}

// BaseServer implements MCP request handling independent of any transport.
// Transports (the SSE server, the gateway's synchronous POST path) call
// Dispatch and deliver the returned result or error themselves.
type BaseServer struct {
	protocolVersion    string
	clientCapabilities map[string]any
	logger             Logger
	ServerInfo         ServerInfo
	sseAddress         string
	capabilities       Capabilities

	mu          sync.RWMutex
	minLogLevel LogLevel
	initialized bool
	tools       map[string]Tool
	prompts     map[string]Prompt
	resources   map[string]Resource

	sendNoti func(clientID string, method string, params interface{})
}

// NewBaseServer creates a new BaseServer instance with the given options.
func NewBaseServer(opts ...ServerOption) (*BaseServer, error) {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &BaseServer{
		protocolVersion: cfg.protocolVersion,
		logger:          cfg.logger,
		ServerInfo: ServerInfo{
			Name:    cfg.serverName,
			Version: cfg.serverVersion,
		},
		capabilities: cfg.capabilities,
		minLogLevel:  cfg.minLogLevel,
		sseAddress:   cfg.sseAddress,
		tools:        make(map[string]Tool),
		prompts:      make(map[string]Prompt),
		resources:    make(map[string]Resource),
		sendNoti:     func(clientID string, method string, params interface{}) {},
	}, nil
}

// AddTools registers tools, validating each one. Duplicate names are
// rejected. Registration after startup triggers a list_changed
// notification.
func (s *BaseServer) AddTools(tools ...Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tool := range tools {
		if _, exists := s.tools[tool.Name]; exists {
			return fmt.Errorf("duplicate tool: %s", tool.Name)
		}

		if err := validateTool(tool); err != nil {
			return fmt.Errorf("invalid tool: %v", err)
		}

		s.tools[tool.Name] = tool
	}

	if s.capabilities.Tools.ListChanged {
		s.sendNoti("", "notifications/tools/list_changed", nil)
	}
	return nil
}

// AddPrompts registers prompt templates.
func (s *BaseServer) AddPrompts(prompts ...Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prompt := range prompts {
		if _, exists := s.prompts[prompt.Name]; exists {
			return fmt.Errorf("duplicate prompt: %s", prompt.Name)
		}

		if err := validatePrompt(prompt); err != nil {
			return fmt.Errorf("invalid prompt: %v", err)
		}

		s.prompts[prompt.Name] = prompt
	}

	if s.capabilities.Prompts.ListChanged {
		s.sendNoti("", "notifications/prompts/list_changed", nil)
	}
	return nil
}

// AddResources registers resources keyed by URI.
func (s *BaseServer) AddResources(resources ...Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, resource := range resources {
		if _, exists := s.resources[resource.URI]; exists {
			return fmt.Errorf("duplicate resource: %s", resource.URI)
		}

		if err := validateResource(resource); err != nil {
			return fmt.Errorf("invalid resource: %v", err)
		}

		s.resources[resource.URI] = resource
	}

	return nil
}

// LogMessage emits a notifications/message notification if the level
// passes the server's minimum.
func (s *BaseServer) LogMessage(level LogLevel, loggerName string, data interface{}) {
	s.mu.RLock()
	min := s.minLogLevel
	s.mu.RUnlock()

	if logLevelSeverity[level] > logLevelSeverity[min] {
		return
	}

	s.sendNoti("", "notifications/message", LogMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
}

// Initialized reports whether the initialize handshake has completed.
func (s *BaseServer) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// MarkInitialized records receipt of notifications/initialized.
func (s *BaseServer) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Dispatch routes a single JSON-RPC request to its handler and returns the
// result, or a JSON-RPC error. clientID identifies the transport-level
// session and is only used for logging.
func (s *BaseServer) Dispatch(ctx context.Context, clientID string, request *Request) (interface{}, *Error) {
	ctx, span := StartSpan(ctx, "BaseServer.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("method", request.Method))

	s.logger.WithFields(map[string]interface{}{
		"clientID": clientID,
		"method":   request.Method,
		"id":       request.ID,
	}).Debug("Received request from client")

	switch request.Method {
	case "initialize":
		return s.handleInitialize(ctx, request)
	case "ping":
		return map[string]interface{}{}, nil
	case "tools/list":
		return s.handleToolsList(ctx, request)
	case "tools/call":
		return s.handleToolsCall(ctx, request)
	case "prompts/list":
		return s.handlePromptsList(ctx, request)
	case "prompts/get":
		return s.handlePromptGet(ctx, request)
	case "resources/list":
		return s.handleResourcesList(ctx, request)
	case "resources/read":
		return s.handleResourcesRead(ctx, request)
	case "logging/setLevel":
		return s.handleLoggingSetLevel(ctx, request)
	default:
		s.logger.WithFields(map[string]interface{}{
			"clientID": clientID,
			"method":   request.Method,
		}).Warn("Method not found. Unhandled request from client")
		span.SetStatus(codes.Error, "method not found")

		return nil, &Error{Code: ErrCodeMethodNotFound, Message: "Method not found"}
	}
}

// HandleNotification processes an incoming notification. Unknown methods
// are logged but never answered.
func (s *BaseServer) HandleNotification(ctx context.Context, clientID string, notification *Notification) {
	s.logger.WithFields(map[string]interface{}{
		"clientID": clientID,
		"method":   notification.Method,
	}).Debug("Received notification from client")

	switch notification.Method {
	case "notifications/initialized":
		s.MarkInitialized()
	case "notifications/cancelled":
		var cancelParams struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if err := json.Unmarshal(notification.Params, &cancelParams); err == nil {
			s.logger.WithFields(map[string]interface{}{
				"clientID":  clientID,
				"requestID": cancelParams.RequestID,
				"reason":    cancelParams.Reason,
			}).Debug("Cancellation requested")
		}
	default:
		s.logger.WithFields(map[string]interface{}{
			"clientID": clientID,
			"method":   notification.Method,
		}).Warn("Unhandled notification from client")
	}
}

func (s *BaseServer) handleInitialize(ctx context.Context, request *Request) (interface{}, *Error) {
	_, span := StartSpan(ctx, "BaseServer.handleInitialize")
	defer span.End()

	var params InitializeParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.logger.WithErr(err).Error("Failed to parse initialize params")
		span.RecordError(err)
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params"}
	}

	if !strings.HasPrefix(params.ProtocolVersion, "2024-11") {
		s.logger.WithFields(map[string]interface{}{
			"version": params.ProtocolVersion,
		}).Error("Unsupported protocol version")
		span.SetStatus(codes.Error, "unsupported protocol version")

		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "Unsupported protocol version",
			Data:    map[string][]string{"supported": {ProtocolVersion}},
		}
	}

	s.mu.Lock()
	s.clientCapabilities = params.Capabilities
	s.mu.Unlock()

	return InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.ServerInfo,
	}, nil
}

func (s *BaseServer) handleToolsList(ctx context.Context, request *Request) (interface{}, *Error) {
	ctx, span := StartSpan(ctx, "BaseServer.handleToolsList")
	defer span.End()

	var params ListParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			s.logger.WithErr(err).Error("Failed to parse list tools params")
			span.RecordError(err)
			return nil, &Error{Code: ErrCodeParseError, Message: "Failed to parse params"}
		}
	}

	result := s.ListTools(ctx, params.Cursor, defaultListLimit)
	span.SetAttributes(attribute.Int("num_tools", len(result.Tools)))
	return result, nil
}

// ListTools returns a page of registered tools sorted by name. Handlers
// are stripped from the returned definitions.
func (s *BaseServer) ListTools(ctx context.Context, cursor string, limit int) ListToolsResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}

	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	start, end := pageBounds(names, cursor, limit)

	page := make([]Tool, 0, end-start)
	for _, name := range names[start:end] {
		t := s.tools[name]
		page = append(page, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	var nextCursor string
	if end < len(names) {
		nextCursor = names[end-1]
	}

	return ListToolsResult{Tools: page, NextCursor: nextCursor}
}

func (s *BaseServer) handleToolsCall(ctx context.Context, request *Request) (interface{}, *Error) {
	ctx, span := StartSpan(ctx, "BaseServer.handleToolsCall")
	defer span.End()

	var params CallToolParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.logger.WithErr(err).Error("Failed to parse call tool params")
		span.RecordError(err)
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params"}
	}

	span.SetAttributes(attribute.String("tool", params.Name))

	result, err := s.CallTool(ctx, params)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"tool": params.Name,
		}).WithErr(err).Error("Failed to call tool")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, &Error{Code: ErrCodeInvalidParams, Message: err.Error()}
	}

	return result, nil
}

// CallTool validates the arguments against the tool's input schema and
// invokes the handler. Handler failures become IsError tool results, not
// protocol errors.
func (s *BaseServer) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	ctx, span := StartSpan(ctx, "BaseServer.CallTool")
	defer span.End()

	s.mu.RLock()
	tool, exists := s.tools[params.Name]
	s.mu.RUnlock()

	if !exists {
		s.logger.WithFields(map[string]interface{}{
			"tool": params.Name,
		}).Error("Tool not found")
		return CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	if tool.InputSchema != nil && len(params.Arguments) > 0 {
		schemaLoader := gojsonschema.NewStringLoader(string(tool.InputSchema))
		documentLoader := gojsonschema.NewStringLoader(string(params.Arguments))

		result, err := gojsonschema.Validate(schemaLoader, documentLoader)
		if err != nil {
			s.logger.WithErr(err).Error("Schema validation error")
			return CallToolResult{}, fmt.Errorf("validation error")
		}

		if !result.Valid() {
			var errorMessages []string
			for _, desc := range result.Errors() {
				errorMessages = append(errorMessages, desc.String())
			}

			s.logger.WithFields(map[string]interface{}{
				"tool":   params.Name,
				"errors": errorMessages,
			}).Error("Schema validation failed")

			return CallToolResult{
				IsError: true,
				Content: []ToolResultContent{{
					Type: "text",
					Text: fmt.Sprintf("Schema validation failed: %s", strings.Join(errorMessages, "; ")),
				}},
			}, nil
		}
	}

	result, err := tool.Handler(ctx, params)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"tool": params.Name,
		}).WithErr(err).Error("Tool handler failed with an error")

		return CallToolResult{
			IsError: true,
			Content: []ToolResultContent{{
				Type: "text",
				Text: err.Error(),
			}},
		}, nil
	}

	span.SetAttributes(
		attribute.String("tool", params.Name),
		attribute.Int("contents_length", len(result.Content)),
	)

	s.logger.WithFields(map[string]interface{}{
		"tool": params.Name,
	}).Debug("Tool handler executed successfully")

	return result, nil
}

func (s *BaseServer) handlePromptsList(ctx context.Context, request *Request) (interface{}, *Error) {
	ctx, span := StartSpan(ctx, "BaseServer.handlePromptsList")
	defer span.End()

	var params ListParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			s.logger.WithErr(err).Error("Failed to parse list prompts params")
			span.RecordError(err)
			return nil, &Error{Code: ErrCodeParseError, Message: "Failed to parse params"}
		}
	}

	result := s.ListPrompts(ctx, params.Cursor, defaultListLimit)
	span.SetAttributes(attribute.Int("num_prompts", len(result.Prompts)))
	return result, nil
}

// ListPrompts returns a page of registered prompts sorted by name. The
// list response omits messages.
func (s *BaseServer) ListPrompts(ctx context.Context, cursor string, limit int) ListPromptsResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}

	names := make([]string, 0, len(s.prompts))
	for name := range s.prompts {
		names = append(names, name)
	}
	sort.Strings(names)

	start, end := pageBounds(names, cursor, limit)

	page := make([]Prompt, 0, end-start)
	for _, name := range names[start:end] {
		p := s.prompts[name]
		page = append(page, Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}

	var nextCursor string
	if end < len(names) {
		nextCursor = names[end-1]
	}

	return ListPromptsResult{Prompts: page, NextCursor: nextCursor}
}

func (s *BaseServer) handlePromptGet(ctx context.Context, request *Request) (interface{}, *Error) {
	_, span := StartSpan(ctx, "BaseServer.handlePromptGet")
	defer span.End()

	var params GetPromptParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.logger.WithErr(err).Error("Failed to parse get prompt params")
		span.RecordError(err)
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params"}
	}

	s.mu.RLock()
	prompt, exists := s.prompts[params.Name]
	s.mu.RUnlock()

	if !exists {
		s.logger.WithFields(map[string]interface{}{
			"prompt": params.Name,
		}).Error("Prompt not found")

		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "Prompt not found",
			Data:    map[string]string{"prompt": params.Name},
		}
	}

	processed, err := processPrompt(prompt, params.Arguments)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"prompt": params.Name,
		}).WithErr(err).Error("Failed to process prompt")
		span.RecordError(err)

		return nil, &Error{Code: ErrCodeInternal, Message: "Failed to process prompt"}
	}

	span.SetAttributes(
		attribute.String("prompt", params.Name),
		attribute.Int("total_messages", len(processed.Messages)),
	)

	return PromptGetResponse{
		Description: processed.Description,
		Messages:    processed.Messages,
	}, nil
}

func (s *BaseServer) handleResourcesList(ctx context.Context, request *Request) (interface{}, *Error) {
	ctx, span := StartSpan(ctx, "BaseServer.handleResourcesList")
	defer span.End()

	var params ListParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			s.logger.WithErr(err).Error("Failed to parse list resources params")
			span.RecordError(err)
			return nil, &Error{Code: ErrCodeParseError, Message: "Failed to parse params"}
		}
	}

	result := s.ListResources(ctx, params.Cursor, defaultListLimit)
	span.SetAttributes(attribute.Int("num_resources", len(result.Resources)))
	return result, nil
}

// ListResources returns a page of registered resources sorted by URI.
func (s *BaseServer) ListResources(ctx context.Context, cursor string, limit int) ListResourcesResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}

	uris := make([]string, 0, len(s.resources))
	for uri := range s.resources {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	start, end := pageBounds(uris, cursor, limit)

	page := make([]Resource, 0, end-start)
	for _, uri := range uris[start:end] {
		page = append(page, s.resources[uri])
	}

	var nextCursor string
	if end < len(uris) {
		nextCursor = uris[end-1]
	}

	return ListResourcesResult{Resources: page, NextCursor: nextCursor}
}

func (s *BaseServer) handleResourcesRead(ctx context.Context, request *Request) (interface{}, *Error) {
	ctx, span := StartSpan(ctx, "BaseServer.handleResourcesRead")
	defer span.End()

	var params ReadResourceParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.logger.WithErr(err).Error("Failed to parse read resource params")
		span.RecordError(err)
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params"}
	}

	result, err := s.ReadResource(ctx, params)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"uri": params.URI,
		}).WithErr(err).Error("Failed to read resource")
		span.RecordError(err)

		return nil, &Error{
			Code:    ErrCodeResourceNotFound,
			Message: "Resource not found",
			Data:    map[string]string{"uri": params.URI},
		}
	}

	return result, nil
}

// ReadResource materializes a resource's content. Non-text MIME types are
// returned base64 encoded.
func (s *BaseServer) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	_, span := StartSpan(ctx, "BaseServer.ReadResource")
	defer span.End()

	if !isValidURIScheme(params.URI) {
		return ReadResourceResult{}, fmt.Errorf("invalid URI scheme: %s", params.URI)
	}

	s.mu.RLock()
	resource, exists := s.resources[params.URI]
	s.mu.RUnlock()

	if !exists {
		return ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
	}

	content := ResourceContent{
		URI:      resource.URI,
		MimeType: resource.MimeType,
	}

	span.SetAttributes(
		attribute.String("uri", resource.URI),
		attribute.String("mime_type", resource.MimeType),
	)

	if strings.HasPrefix(resource.MimeType, "text/") {
		content.Text = resource.TextContent
	} else {
		content.Blob = base64.StdEncoding.EncodeToString([]byte(resource.TextContent))
	}

	return ReadResourceResult{Contents: []ResourceContent{content}}, nil
}

func (s *BaseServer) handleLoggingSetLevel(ctx context.Context, request *Request) (interface{}, *Error) {
	_, span := StartSpan(ctx, "BaseServer.handleLoggingSetLevel")
	defer span.End()

	var params SetLogLevelParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.logger.WithErr(err).Error("Failed to parse set log level params")
		span.RecordError(err)
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params"}
	}

	if _, ok := logLevelSeverity[params.Level]; !ok {
		s.logger.WithFields(map[string]interface{}{
			"level": params.Level,
		}).Error("Invalid log level")

		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid log level"}
	}

	s.mu.Lock()
	s.minLogLevel = params.Level
	s.mu.Unlock()

	return struct{}{}, nil
}

// pageBounds computes the [start, end) window into sorted keys for a
// cursor + limit pair. The cursor names the last item of the previous
// page; an unknown cursor yields an empty page.
func pageBounds(keys []string, cursor string, limit int) (int, int) {
	start := 0
	if cursor != "" {
		start = len(keys)
		for i, key := range keys {
			if key == cursor {
				start = i + 1
				break
			}
		}
	}

	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}
	if start > len(keys) {
		start = len(keys)
	}
	return start, end
}
