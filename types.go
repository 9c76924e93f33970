package weathergate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ProtocolVersion is the MCP protocol revision this module speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes, plus the MCP-specific ones the server emits.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeNotInitialized = -32000
	ErrCodeResourceNotFound = -32002
)

// Request represents a JSON-RPC request message.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params"`
}

// Response represents a JSON-RPC response message.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Result  interface{}      `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// Notification represents a JSON-RPC notification message. Notifications
// never carry an ID and never receive a response.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ServerInfo identifies a server implementation during initialization.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies a client implementation during initialization.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CapabilitiesResources describes resource-related server capabilities.
type CapabilitiesResources struct {
	ListChanged bool `json:"listChanged"`
	Subscribe   bool `json:"subscribe"`
}

// CapabilitiesTools describes tool-related server capabilities.
type CapabilitiesTools struct {
	ListChanged bool `json:"listChanged"`
}

// CapabilitiesPrompts describes prompt-related server capabilities.
type CapabilitiesPrompts struct {
	ListChanged bool `json:"listChanged"`
}

// CapabilitiesLogging describes logging-related server capabilities.
type CapabilitiesLogging struct{}

// Capabilities describes everything a server supports.
type Capabilities struct {
	Resources CapabilitiesResources `json:"resources"`
	Tools     CapabilitiesTools    `json:"tools"`
	Prompts   CapabilitiesPrompts  `json:"prompts"`
	Logging   CapabilitiesLogging  `json:"logging"`
}

// InitializeParams is the client side of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is the server side of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListParams carries the pagination cursor shared by all list methods.
type ListParams struct {
	Cursor string `json:"cursor"`
}

// Tool represents a callable tool and its implementation.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Handler     func(ctx context.Context, params CallToolParams) (CallToolResult, error) `json:"-"`
}

// ToolResultContent represents one content item returned by a tool.
type ToolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolParams represents parameters for calling a tool.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult represents the result of calling a tool.
type CallToolResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError"`
}

// ListToolsResult represents the result of listing available tools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Prompt represents a reusable prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Messages    []PromptMessage  `json:"messages,omitempty"`
}

// PromptArgument describes one substitutable argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// PromptMessage is one message of a prompt template.
type PromptMessage struct {
	Role    string        `json:"role"`
	Content PromptContent `json:"content"`
}

// PromptContent holds the content of a prompt message. Only the "text"
// type is supported.
type PromptContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ListPromptsResult represents the result of listing prompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams represents parameters for fetching a processed prompt.
type GetPromptParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PromptGetResponse is the result of prompts/get after argument
// substitution.
type PromptGetResponse struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Resource represents a piece of content addressable by URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
	TextContent string `json:"-"`
}

// ResourceContent is the materialized content of a resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ListResourcesResult represents the result of listing resources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams represents parameters for reading a resource.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult represents the result of reading a resource.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// LogLevel represents an MCP logging level.
type LogLevel string

const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

// logLevelSeverity maps levels to syslog-style severities; lower is more
// severe.
var logLevelSeverity = map[LogLevel]int{
	LogLevelEmergency: 0,
	LogLevelAlert:     1,
	LogLevelCritical:  2,
	LogLevelError:     3,
	LogLevelWarning:   4,
	LogLevelNotice:    5,
	LogLevelInfo:      6,
	LogLevelDebug:     7,
}

// SetLogLevelParams represents parameters for logging/setLevel.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// LogMessageParams represents the payload of a notifications/message
// notification.
type LogMessageParams struct {
	Level  LogLevel    `json:"level"`
	Logger string      `json:"logger,omitempty"`
	Data   interface{} `json:"data"`
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}

	if tool.InputSchema != nil {
		loader := gojsonschema.NewStringLoader(string(tool.InputSchema))
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return fmt.Errorf("invalid input schema: %v", err)
		}
	}

	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	return nil
}

func validatePrompt(prompt Prompt) error {
	if prompt.Name == "" {
		return fmt.Errorf("prompt name cannot be empty")
	}

	if len(prompt.Messages) == 0 {
		return fmt.Errorf("prompt must have at least one message")
	}

	for _, msg := range prompt.Messages {
		if msg.Content.Type != "text" {
			return fmt.Errorf("only text type is supported for prompt content")
		}
		if msg.Content.Text == "" {
			return fmt.Errorf("message content text cannot be empty")
		}
	}

	for _, arg := range prompt.Arguments {
		if arg.Name == "" {
			return fmt.Errorf("argument name cannot be empty")
		}
	}

	return nil
}

func validateResource(resource Resource) error {
	if resource.URI == "" {
		return fmt.Errorf("resource URI cannot be empty")
	}

	if resource.MimeType == "" {
		return fmt.Errorf("resource MIME type cannot be empty")
	}

	return nil
}

func isValidURIScheme(uri string) bool {
	for _, scheme := range []string{"file://", "https://", "weather://"} {
		if strings.HasPrefix(uri, scheme) {
			return true
		}
	}
	return false
}

// processPrompt substitutes provided arguments into a prompt's messages.
// Placeholders use the {{name}} form.
func processPrompt(prompt Prompt, arguments json.RawMessage) (*Prompt, error) {
	if len(prompt.Arguments) == 0 || len(arguments) == 0 {
		return &Prompt{
			Name:        prompt.Name,
			Description: prompt.Description,
			Messages:    prompt.Messages,
		}, nil
	}

	var providedArgs map[string]interface{}
	if err := json.Unmarshal(arguments, &providedArgs); err != nil {
		return nil, fmt.Errorf("invalid arguments format: %w", err)
	}

	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, exists := providedArgs[arg.Name]; !exists {
				return nil, fmt.Errorf("missing required argument: %s", arg.Name)
			}
		}
	}

	processed := Prompt{
		Name:        prompt.Name,
		Description: prompt.Description,
		Messages:    make([]PromptMessage, len(prompt.Messages)),
	}

	for i, msg := range prompt.Messages {
		text := msg.Content.Text
		for _, arg := range prompt.Arguments {
			if value, exists := providedArgs[arg.Name]; exists {
				if strValue, ok := value.(string); ok {
					text = strings.ReplaceAll(text, fmt.Sprintf("{{%s}}", arg.Name), strValue)
				}
			}
		}

		processed.Messages[i] = PromptMessage{
			Role: msg.Role,
			Content: PromptContent{
				Type: msg.Content.Type,
				Text: text,
			},
		}
	}

	return &processed, nil
}
