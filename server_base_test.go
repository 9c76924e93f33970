package weathergate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "test description",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string"}
			},
			"required": ["message"]
		}`),
		Handler: func(ctx context.Context, params CallToolParams) (CallToolResult, error) {
			var args struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(params.Arguments, &args); err != nil {
				return CallToolResult{}, err
			}
			return CallToolResult{
				Content: []ToolResultContent{{Type: "text", Text: args.Message}},
			}, nil
		},
	}
}

func rawID(t *testing.T, id string) *json.RawMessage {
	t.Helper()
	raw := json.RawMessage(id)
	return &raw
}

func newTestServer(t *testing.T, opts ...ServerOption) *BaseServer {
	t.Helper()
	opts = append([]ServerOption{UseLogger(NewNullLogger())}, opts...)
	server, err := NewBaseServer(opts...)
	require.NoError(t, err)
	return server
}

func TestNewBaseServer_Defaults(t *testing.T) {
	server := newTestServer(t)

	assert.Equal(t, "weathergate", server.ServerInfo.Name)
	assert.False(t, server.Initialized())
}

func TestAddTools_RejectsDuplicates(t *testing.T) {
	server := newTestServer(t)

	require.NoError(t, server.AddTools(echoTool("echo")))
	err := server.AddTools(echoTool("echo"))
	assert.ErrorContains(t, err, "duplicate tool")
}

func TestAddTools_RejectsInvalid(t *testing.T) {
	server := newTestServer(t)

	tests := []struct {
		name    string
		tool    Tool
		wantErr string
	}{
		{
			name:    "empty name",
			tool:    Tool{Description: "d", Handler: echoTool("x").Handler},
			wantErr: "tool name cannot be empty",
		},
		{
			name:    "empty description",
			tool:    Tool{Name: "t", Handler: echoTool("x").Handler},
			wantErr: "tool description cannot be empty",
		},
		{
			name:    "nil handler",
			tool:    Tool{Name: "t", Description: "d"},
			wantErr: "tool handler cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := server.AddTools(tt.tool)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDispatch_Initialize(t *testing.T) {
	server := newTestServer(t, UseServerInfo("weather", "1.0.0"))

	params, err := json.Marshal(InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "test", Version: "0.0.1"},
	})
	require.NoError(t, err)

	result, dispatchErr := server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "1"),
		Method:  "initialize",
		Params:  params,
	})
	require.Nil(t, dispatchErr)

	initResult, ok := result.(InitializeResult)
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion, initResult.ProtocolVersion)
	assert.Equal(t, "weather", initResult.ServerInfo.Name)
}

func TestDispatch_InitializeRejectsUnsupportedVersion(t *testing.T) {
	server := newTestServer(t)

	params, err := json.Marshal(InitializeParams{ProtocolVersion: "2023-01-01"})
	require.NoError(t, err)

	_, dispatchErr := server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "1"),
		Method:  "initialize",
		Params:  params,
	})
	require.NotNil(t, dispatchErr)
	assert.Equal(t, ErrCodeInvalidParams, dispatchErr.Code)
	assert.Equal(t, "Unsupported protocol version", dispatchErr.Message)
}

func TestDispatch_Ping(t *testing.T) {
	server := newTestServer(t)

	result, dispatchErr := server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "7"),
		Method:  "ping",
	})
	require.Nil(t, dispatchErr)
	assert.Equal(t, map[string]interface{}{}, result)
}

func TestDispatch_MethodNotFound(t *testing.T) {
	server := newTestServer(t)

	_, dispatchErr := server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "2"),
		Method:  "no/such/method",
	})
	require.NotNil(t, dispatchErr)
	assert.Equal(t, ErrCodeMethodNotFound, dispatchErr.Code)
}

func TestListTools_SortedAndPaginated(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddTools(
		echoTool("d_tool"), echoTool("a_tool"), echoTool("c_tool"), echoTool("b_tool"),
	))

	first := server.ListTools(context.Background(), "", 2)
	require.Len(t, first.Tools, 2)
	assert.Equal(t, "a_tool", first.Tools[0].Name)
	assert.Equal(t, "b_tool", first.Tools[1].Name)
	require.NotEmpty(t, first.NextCursor)

	second := server.ListTools(context.Background(), first.NextCursor, 2)
	require.Len(t, second.Tools, 2)
	assert.Equal(t, "c_tool", second.Tools[0].Name)
	assert.Equal(t, "d_tool", second.Tools[1].Name)
	assert.Empty(t, second.NextCursor)
}

func TestListTools_UnknownCursor(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddTools(echoTool("a_tool")))

	result := server.ListTools(context.Background(), "zzz", 2)
	assert.Empty(t, result.Tools)
	assert.Empty(t, result.NextCursor)
}

func TestCallTool_Success(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddTools(echoTool("echo")))

	result, err := server.CallTool(context.Background(), CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message": "hello"}`),
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
}

func TestCallTool_SchemaValidationFailure(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddTools(echoTool("echo")))

	result, err := server.CallTool(context.Background(), CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message": 42}`),
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "Schema validation failed")
}

func TestCallTool_HandlerErrorBecomesToolError(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddTools(Tool{
		Name:        "broken",
		Description: "always fails",
		Handler: func(ctx context.Context, params CallToolParams) (CallToolResult, error) {
			return CallToolResult{}, assert.AnError
		},
	}))

	result, err := server.CallTool(context.Background(), CallToolParams{Name: "broken"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCallTool_NotFound(t *testing.T) {
	server := newTestServer(t)

	_, err := server.CallTool(context.Background(), CallToolParams{Name: "missing"})
	assert.ErrorContains(t, err, "tool not found")
}

func TestDispatch_PromptsGet(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddPrompts(Prompt{
		Name: "greet",
		Arguments: []PromptArgument{
			{Name: "who", Required: true},
		},
		Messages: []PromptMessage{
			{Role: "user", Content: PromptContent{Type: "text", Text: "Hello {{who}}"}},
		},
	}))

	params, err := json.Marshal(GetPromptParams{
		Name:      "greet",
		Arguments: json.RawMessage(`{"who": "world"}`),
	})
	require.NoError(t, err)

	result, dispatchErr := server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "3"),
		Method:  "prompts/get",
		Params:  params,
	})
	require.Nil(t, dispatchErr)

	response, ok := result.(PromptGetResponse)
	require.True(t, ok)
	require.Len(t, response.Messages, 1)
	assert.Equal(t, "Hello world", response.Messages[0].Content.Text)
}

func TestDispatch_PromptsGetMissingRequiredArgument(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddPrompts(Prompt{
		Name: "greet",
		Arguments: []PromptArgument{
			{Name: "who", Required: true},
		},
		Messages: []PromptMessage{
			{Role: "user", Content: PromptContent{Type: "text", Text: "Hello {{who}}"}},
		},
	}))

	params, err := json.Marshal(GetPromptParams{
		Name:      "greet",
		Arguments: json.RawMessage(`{"other": "x"}`),
	})
	require.NoError(t, err)

	_, dispatchErr := server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "4"),
		Method:  "prompts/get",
		Params:  params,
	})
	require.NotNil(t, dispatchErr)
	assert.Equal(t, ErrCodeInternal, dispatchErr.Code)
}

func TestReadResource(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddResources(Resource{
		URI:         "weather://sources",
		Name:        "sources",
		MimeType:    "text/plain",
		TextContent: "NWS",
	}))

	result, err := server.ReadResource(context.Background(), ReadResourceParams{URI: "weather://sources"})
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "NWS", result.Contents[0].Text)
	assert.Empty(t, result.Contents[0].Blob)
}

func TestReadResource_BinaryContentIsBase64(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.AddResources(Resource{
		URI:         "weather://radar",
		Name:        "radar",
		MimeType:    "image/png",
		TextContent: "pixels",
	}))

	result, err := server.ReadResource(context.Background(), ReadResourceParams{URI: "weather://radar"})
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Empty(t, result.Contents[0].Text)
	assert.Equal(t, "cGl4ZWxz", result.Contents[0].Blob)
}

func TestReadResource_InvalidScheme(t *testing.T) {
	server := newTestServer(t)

	_, err := server.ReadResource(context.Background(), ReadResourceParams{URI: "ftp://nope"})
	assert.ErrorContains(t, err, "invalid URI scheme")
}

func TestDispatch_LoggingSetLevel(t *testing.T) {
	server := newTestServer(t)

	params, err := json.Marshal(SetLogLevelParams{Level: LogLevelError})
	require.NoError(t, err)

	_, dispatchErr := server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "5"),
		Method:  "logging/setLevel",
		Params:  params,
	})
	require.Nil(t, dispatchErr)

	params, err = json.Marshal(map[string]string{"level": "verbose"})
	require.NoError(t, err)

	_, dispatchErr = server.Dispatch(context.Background(), "client-1", &Request{
		JSONRPC: "2.0",
		ID:      rawID(t, "6"),
		Method:  "logging/setLevel",
		Params:  params,
	})
	require.NotNil(t, dispatchErr)
	assert.Equal(t, ErrCodeInvalidParams, dispatchErr.Code)
}

func TestHandleNotification_Initialized(t *testing.T) {
	server := newTestServer(t)
	require.False(t, server.Initialized())

	server.HandleNotification(context.Background(), "client-1", &Notification{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	assert.True(t, server.Initialized())
}
