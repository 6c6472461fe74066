package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmora/mcp"
)

func TestSSEClientWaitsForEndpointEvent(t *testing.T) {
	posted := make(chan []byte, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		// A slow endpoint event: Start must block until it lands.
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		posted <- body
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := mcp.NewSSEClientTransport(srv.URL + "/sse")
	msgs := make(chan *mcp.Message, 1)
	require.NoError(t, tr.Start(context.Background(), mcp.TransportHandler{
		OnMessage: func(m *mcp.Message) { msgs <- m },
	}))
	defer tr.Close()

	select {
	case m := <-msgs:
		assert.Equal(t, "notifications/tools/list_changed", m.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("stream message never delivered")
	}

	ping, err := mcp.NewRequest(mcp.IntID(1), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), ping))

	select {
	case body := <-posted:
		var m map[string]any
		require.NoError(t, json.Unmarshal(body, &m))
		assert.Equal(t, "ping", m["method"])
	case <-time.After(2 * time.Second):
		t.Fatal("POST never reached the endpoint")
	}
}

func TestSSEClientStartFailsWithoutEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Stream closes without ever naming an endpoint.
	}))
	defer srv.Close()

	tr := mcp.NewSSEClientTransport(srv.URL)
	err := tr.Start(context.Background(), mcp.TransportHandler{})
	require.Error(t, err)
}

func TestSSEClientFailedPost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := mcp.NewSSEClientTransport(srv.URL + "/sse")
	require.NoError(t, tr.Start(context.Background(), mcp.TransportHandler{}))
	defer tr.Close()

	ping, _ := mcp.NewRequest(mcp.IntID(1), "ping", nil)
	err := tr.Send(context.Background(), ping)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSSEEndToEnd(t *testing.T) {
	server := newWeatherServer()

	handler := mcp.NewSSEHandler(func(tr *mcp.SSEServerTransport) {
		if _, err := server.Connect(context.Background(), tr); err != nil {
			t.Errorf("server connect: %v", err)
		}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := mcp.NewClient(mcp.Implementation{Name: "c", Version: "1"})
	require.NoError(t, client.Connect(context.Background(), mcp.NewSSEClientTransport(srv.URL)))
	defer client.Close()

	list, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "get_weather", list.Tools[0].Name)

	result, err := client.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "get_weather",
		Arguments: json.RawMessage(`{"location":"Porto"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "sunny in Porto", result.Content[0].Text)
}
