package weathergate

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSSEServer(t *testing.T) *SSEServer {
	t.Helper()

	base := newTestServer(t, UseServerInfo("weather", "1.0.0"))
	require.NoError(t, base.AddTools(echoTool("echo")))
	return NewSSEServer(base)
}

// connectSSE opens the events stream and returns the message endpoint plus
// a reader positioned after the endpoint event.
func connectSSE(t *testing.T, serverURL string) (string, *bufio.Reader, func()) {
	t.Helper()

	resp, err := http.Get(serverURL + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	var endpoint string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") {
			endpoint = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			break
		}
	}

	parsed, err := url.Parse(endpoint)
	require.NoError(t, err)
	require.NotEmpty(t, parsed.Query().Get("clientID"))

	// The advertised endpoint carries the host the stream was reached on.
	endpoint = serverURL + "/message?clientID=" + parsed.Query().Get("clientID")

	return endpoint, reader, func() { resp.Body.Close() }
}

func readMessageEvent(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func postMessage(t *testing.T, endpoint, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(endpoint, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestSSEServer_MessageRequiresClientID(t *testing.T) {
	server := newTestSSEServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp := postMessage(t, ts.URL+"/message", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEServer_RejectsRequestsBeforeInitialize(t *testing.T) {
	server := newTestSSEServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	endpoint, reader, closeStream := connectSSE(t, ts.URL)
	defer closeStream()

	resp := postMessage(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var envelope Response
	require.NoError(t, json.Unmarshal([]byte(readMessageEvent(t, reader)), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, ErrCodeNotInitialized, envelope.Error.Code)
}

func TestSSEServer_InitializeHandshakeAndToolCall(t *testing.T) {
	server := newTestSSEServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	endpoint, reader, closeStream := connectSSE(t, ts.URL)
	defer closeStream()

	initBody := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test","version":"0.0.1"}}}`
	resp := postMessage(t, endpoint, initBody)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var initEnvelope struct {
		ID     json.RawMessage  `json:"id"`
		Result InitializeResult `json:"result"`
		Error  *Error           `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(readMessageEvent(t, reader)), &initEnvelope))
	require.Nil(t, initEnvelope.Error)
	assert.Equal(t, "1", string(initEnvelope.ID))
	assert.Equal(t, "weather", initEnvelope.Result.ServerInfo.Name)
	assert.Equal(t, ProtocolVersion, initEnvelope.Result.ProtocolVersion)

	resp = postMessage(t, endpoint, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, server.Initialized, time.Second, 10*time.Millisecond)

	callBody := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"over sse"}}}`
	resp = postMessage(t, endpoint, callBody)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var callEnvelope struct {
		ID     json.RawMessage `json:"id"`
		Result CallToolResult  `json:"result"`
		Error  *Error          `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(readMessageEvent(t, reader)), &callEnvelope))
	require.Nil(t, callEnvelope.Error)
	assert.Equal(t, "2", string(callEnvelope.ID))
	require.Len(t, callEnvelope.Result.Content, 1)
	assert.Equal(t, "over sse", callEnvelope.Result.Content[0].Text)
}

func TestSSEServer_MalformedMessageGetsParseError(t *testing.T) {
	server := newTestSSEServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	endpoint, reader, closeStream := connectSSE(t, ts.URL)
	defer closeStream()

	resp := postMessage(t, endpoint, `{broken`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var envelope Response
	require.NoError(t, json.Unmarshal([]byte(readMessageEvent(t, reader)), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, ErrCodeParseError, envelope.Error.Code)
}

func TestWithCORS(t *testing.T) {
	handler := withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/events", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
