package weathergate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEClient_ConnectAndCall(t *testing.T) {
	server := newTestSSEServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client := NewSSEClient(SSEClientConfig{
		URL:    ts.URL + "/events",
		Logger: NewNullLogger(),
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx))
	assert.Equal(t, Connected, client.State())
	assert.Equal(t, "weather", client.ServerInfo().Name)

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	result, err := client.CallTool(ctx, CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message": "round trip"}`),
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "round trip", result.Content[0].Text)
}

func TestSSEClient_CallSurfacesServerErrors(t *testing.T) {
	server := newTestSSEServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client := NewSSEClient(SSEClientConfig{
		URL:    ts.URL + "/events",
		Logger: NewNullLogger(),
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	_, err := client.Call(ctx, "no/such/method", nil)
	require.Error(t, err)

	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeMethodNotFound, rpcErr.Code)
}

func TestSSEClient_ConnectTimesOutWithoutServer(t *testing.T) {
	client := NewSSEClient(SSEClientConfig{
		URL:    "http://127.0.0.1:1/events",
		Logger: NewNullLogger(),
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := client.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection not established")
}

func TestSSEClient_RecordPingCheck(t *testing.T) {
	client := NewSSEClient(SSEClientConfig{
		URL:         "http://127.0.0.1:1/events",
		Logger:      NewNullLogger(),
		PingTimeout: 20 * time.Millisecond,
	})

	client.resetPingStatus()
	assert.False(t, client.recordPingCheck())

	time.Sleep(25 * time.Millisecond)
	assert.False(t, client.recordPingCheck())
	assert.False(t, client.recordPingCheck())
	assert.True(t, client.recordPingCheck())

	// A fresh keepalive clears the miss counter.
	client.resetPingStatus()
	assert.False(t, client.recordPingCheck())
	time.Sleep(25 * time.Millisecond)
	assert.False(t, client.recordPingCheck())
}

func TestSSEClient_StalledStreamIsAborted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ":ok\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	client := NewSSEClient(SSEClientConfig{
		URL:         ts.URL,
		Logger:      NewNullLogger(),
		PingTimeout: 20 * time.Millisecond,
	})

	err := client.streamOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream stalled")
}

func TestSSEClient_KeepalivesHoldStreamOpen(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ":ping\n\n")
				flusher.Flush()
			}
		}
	}))
	defer ts.Close()

	client := NewSSEClient(SSEClientConfig{
		URL:         ts.URL,
		Logger:      NewNullLogger(),
		PingTimeout: 30 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := client.streamOnce(ctx)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "stream stalled")
}

func TestSSEClient_CallWithoutEndpoint(t *testing.T) {
	client := NewSSEClient(SSEClientConfig{URL: "http://127.0.0.1:1/events", Logger: NewNullLogger()})

	_, err := client.Call(context.Background(), "ping", nil)
	assert.ErrorContains(t, err, "no message endpoint available")
}
