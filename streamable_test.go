package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmora/mcp"
)

// newStreamableFixture serves one weather server over the real Streamable
// HTTP handler.
func newStreamableFixture(t *testing.T) (*mcp.Server, *httptest.Server) {
	t.Helper()
	server := newWeatherServer()
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server })
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Close()
		srv.Close()
	})
	return server, srv
}

func TestStreamableEndToEnd(t *testing.T) {
	_, srv := newStreamableFixture(t)

	tr := mcp.NewStreamableClientTransport(srv.URL)
	client := mcp.NewClient(mcp.Implementation{Name: "c", Version: "1"})
	require.NoError(t, client.Connect(context.Background(), tr))
	defer client.Close()

	// The server assigned a session on the initialize exchange.
	assert.NotEmpty(t, tr.SessionID())

	list, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "get_weather", list.Tools[0].Name)

	var schema struct {
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(list.Tools[0].InputSchema, &schema))
	assert.Equal(t, []string{"location"}, schema.Required)
}

// A server that answers every request inline as application/json, takes
// 202 for notifications, and declines the GET stream with 405. The client
// must work — and fire no error callback — against the minimal server
// shape.
func TestStreamableInlineJSONAnd405GET(t *testing.T) {
	var gets int
	var mu sync.Mutex
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			gets++
			mu.Unlock()
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			msg, err := mcp.DecodeMessage(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if msg.IsNotification() {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			w.Header().Set("Mcp-Session-Id", "sess-1")
			w.Header().Set("Content-Type", "application/json")
			switch msg.Method {
			case "initialize":
				resp, _ := mcp.NewResponse(*msg.ID, &mcp.InitializeResult{
					ProtocolVersion: mcp.LatestProtocolVersion,
					ServerInfo:      mcp.Implementation{Name: "inline", Version: "1"},
				})
				data, _ := mcp.EncodeMessage(resp)
				w.Write(data)
			case "ping":
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, mustEncodeID(t, *msg.ID))
			default:
				resp := mcp.NewErrorResponse(*msg.ID, mcp.CodeMethodNotFound, "nope")
				data, _ := mcp.EncodeMessage(resp)
				w.Write(data)
			}
		}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	tr := mcp.NewStreamableClientTransport(srv.URL)

	var transportErrs []error
	errMu := sync.Mutex{}
	msgs := make(chan *mcp.Message, 8)
	require.NoError(t, tr.Start(context.Background(), mcp.TransportHandler{
		OnMessage: func(m *mcp.Message) { msgs <- m },
		OnError: func(err error) {
			errMu.Lock()
			transportErrs = append(transportErrs, err)
			errMu.Unlock()
		},
	}))
	defer tr.Close()

	// initialize → inline JSON response, session captured
	init, _ := mcp.NewRequest(mcp.IntID(1), "initialize", &mcp.InitializeParams{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Implementation{Name: "c", Version: "1"},
	})
	require.NoError(t, tr.Send(context.Background(), init))
	resp := recvMsg(t, msgs)
	require.True(t, resp.IsResponse())
	assert.Equal(t, "sess-1", tr.SessionID())

	// initialized → 202, GET attempted and declined with 405
	notif, _ := mcp.NewNotification("notifications/initialized", nil)
	require.NoError(t, tr.Send(context.Background(), notif))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := gets
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("GET stream never attempted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// ping still round-trips inline afterwards
	ping, _ := mcp.NewRequest(mcp.IntID(2), "ping", nil)
	require.NoError(t, tr.Send(context.Background(), ping))
	resp = recvMsg(t, msgs)
	require.True(t, resp.IsResponse())
	assert.Equal(t, mcp.IntID(2), *resp.ID)

	// the declined GET must not surface as an error
	errMu.Lock()
	assert.Empty(t, transportErrs)
	errMu.Unlock()
}

func TestStreamableTimeoutCourtesyCancel(t *testing.T) {
	server, srv := newStreamableFixture(t)

	handlerCancelled := make(chan struct{})
	server.AddTool(mcp.Tool{Name: "stuck", InputSchema: json.RawMessage(`{}`)},
		func(ctx context.Context, req *mcp.IncomingRequest, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
			<-ctx.Done()
			close(handlerCancelled)
			return nil, ctx.Err()
		})

	client := mcp.NewClient(mcp.Implementation{Name: "c", Version: "1"})
	require.NoError(t, client.Connect(context.Background(), mcp.NewStreamableClientTransport(srv.URL)))
	defer client.Close()

	_, err := client.CallTool(context.Background(),
		&mcp.CallToolParams{Name: "stuck", Arguments: json.RawMessage(`{}`)},
		mcp.WithTimeout(100*time.Millisecond))
	require.ErrorIs(t, err, mcp.ErrRequestTimeout)

	select {
	case <-handlerCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the cancellation")
	}
}

// Scenario: the server answers initialize with 200/JSON and a body that
// is not JSON at all. Connect must fail quickly with a non-timeout error.
func TestStreamableInvalidJSONOnConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "this is not valid json")
	}))
	defer srv.Close()

	client := mcp.NewClient(mcp.Implementation{Name: "c", Version: "1"})
	start := time.Now()
	err := client.Connect(context.Background(), mcp.NewStreamableClientTransport(srv.URL))

	require.Error(t, err)
	assert.NotErrorIs(t, err, mcp.ErrRequestTimeout)
	var hsErr *mcp.HandshakeError
	assert.ErrorAs(t, err, &hsErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// Resumption: Resume must not POST; it reopens the GET stream with
// Last-Event-Id and replays what the checkpoint missed.
func TestStreamableResume(t *testing.T) {
	notif, _ := mcp.NewNotification("notifications/tools/list_changed", nil)
	wire, _ := mcp.EncodeMessage(notif)

	lastEventIDs := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		lastEventIDs <- r.Header.Get("Last-Event-Id")
		w.Header().Set("Content-Type", "text/event-stream")
		switch r.Header.Get("Last-Event-Id") {
		case "":
			fmt.Fprintf(w, "id: 1\ndata: %s\n\n", wire)
		case "1":
			fmt.Fprintf(w, "id: 2\ndata: %s\n\n", wire)
		}
	}))
	defer srv.Close()

	var checkpoints []string
	var mu sync.Mutex
	tr := mcp.NewStreamableClientTransport(srv.URL,
		mcp.WithEventIDCallback(func(id string) {
			mu.Lock()
			checkpoints = append(checkpoints, id)
			mu.Unlock()
		}))

	msgs := make(chan *mcp.Message, 8)
	require.NoError(t, tr.Start(context.Background(), mcp.TransportHandler{
		OnMessage: func(m *mcp.Message) { msgs <- m },
	}))
	defer tr.Close()

	// First stream: triggered by the initialized notification, delivers
	// event 1.
	init, _ := mcp.NewNotification("notifications/initialized", nil)
	require.NoError(t, tr.Send(context.Background(), init))
	recvMsg(t, msgs)
	assert.Equal(t, "", <-lastEventIDs)
	assert.Equal(t, "1", tr.LastEventID())

	// Resume from the checkpoint: replays event 2, no POST involved.
	require.NoError(t, tr.Resume(context.Background(), tr.LastEventID()))
	recvMsg(t, msgs)
	assert.Equal(t, "1", <-lastEventIDs)
	assert.Equal(t, "2", tr.LastEventID())

	mu.Lock()
	assert.Equal(t, []string{"1", "2"}, checkpoints)
	mu.Unlock()
}

func TestStreamableDeleteOnClose(t *testing.T) {
	deletes := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			deletes <- r.Header.Get("Mcp-Session-Id")
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPost:
			w.Header().Set("Mcp-Session-Id", "sess-9")
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	tr := mcp.NewStreamableClientTransport(srv.URL)
	require.NoError(t, tr.Start(context.Background(), mcp.TransportHandler{}))

	notif, _ := mcp.NewNotification("notifications/progress", &mcp.ProgressParams{ProgressToken: mcp.IntID(1), Progress: 1})
	require.NoError(t, tr.Send(context.Background(), notif))

	// Wait for the session id to be captured from the 202.
	deadline := time.Now().Add(2 * time.Second)
	for tr.SessionID() == "" {
		if time.Now().After(deadline) {
			t.Fatal("session id never captured")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, tr.Close())
	select {
	case sid := <-deletes:
		assert.Equal(t, "sess-9", sid)
	case <-time.After(2 * time.Second):
		t.Fatal("no DELETE on close")
	}
	assert.Empty(t, tr.SessionID())
}

func recvMsg(t *testing.T, ch <-chan *mcp.Message) *mcp.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func mustEncodeID(t *testing.T, id mcp.RequestID) string {
	t.Helper()
	data, err := json.Marshal(id)
	require.NoError(t, err)
	return string(data)
}
