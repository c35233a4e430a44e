package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn := <-serverConnCh

	clientEP := NewEndpoint(NewTransport(clientConn), nil)
	serverEP := NewEndpoint(NewTransport(serverConn), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go clientEP.Serve(ctx)
	go serverEP.Serve(ctx)

	return clientEP, serverEP
}

func TestEndpointCallRoundTrip(t *testing.T) {
	client, server := dialPair(t)

	server.Handle("echo", func(ctx context.Context, meta map[string]string, params json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return map[string]string{"text": in.Text + "!"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.Call(ctx, "echo", map[string]string{"text": "hi"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Text != "hi!" {
		t.Fatalf("Text = %q, want %q", out.Text, "hi!")
	}
}

func TestEndpointCallUnknownMethod(t *testing.T) {
	client, _ := dialPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Call(ctx, "nope", nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
}
