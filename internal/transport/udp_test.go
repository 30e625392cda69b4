package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/tenzoki/ripcgw/internal/frame"
)

func TestServerClientRoundTrip(t *testing.T) {
	server := New(false)
	var gotReq struct {
		mu      sync.Mutex
		header  frame.Header
		payload []byte
		called  bool
	}
	server.SetCallbacks(Callbacks{
		OnRequest: func(h frame.Header, payload []byte) {
			gotReq.mu.Lock()
			gotReq.header = h
			gotReq.payload = append([]byte(nil), payload...)
			gotReq.called = true
			gotReq.mu.Unlock()
			server.Send(frame.KindRsp, h.CorrID, []byte("pong"))
		},
	})
	if err := server.StartServer("127.0.0.1:0"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer server.Stop()

	addr := server.conn.LocalAddr().String()

	client := New(false)
	rspCh := make(chan []byte, 1)
	client.SetCallbacks(Callbacks{
		OnResponse: func(h frame.Header, payload []byte) {
			rspCh <- append([]byte(nil), payload...)
		},
	})
	if err := client.StartClient(addr); err != nil {
		t.Fatalf("StartClient: %v", err)
	}
	defer client.Stop()

	if err := client.Send(frame.KindReq, 99, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case payload := <-rspCh:
		if string(payload) != "pong" {
			t.Errorf("payload = %q, want pong", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	gotReq.mu.Lock()
	defer gotReq.mu.Unlock()
	if !gotReq.called {
		t.Fatal("server never received request")
	}
	if gotReq.header.CorrID != 99 {
		t.Errorf("CorrID = %d, want 99", gotReq.header.CorrID)
	}
	if string(gotReq.payload) != "ping" {
		t.Errorf("payload = %q, want ping", gotReq.payload)
	}
}

func TestSendBeforePeerKnownFails(t *testing.T) {
	server := New(false)
	if err := server.StartServer("127.0.0.1:0"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer server.Stop()

	if err := server.Send(frame.KindRsp, 1, []byte("x")); err == nil {
		t.Fatal("expected error sending before any peer known")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	server := New(false)
	if err := server.StartServer("127.0.0.1:0"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	server.Stop()
	server.Stop()
}

func TestMalformedDatagramProducesNoCallback(t *testing.T) {
	server := New(false)
	called := make(chan struct{}, 1)
	server.SetCallbacks(Callbacks{
		OnRequest: func(h frame.Header, payload []byte) { called <- struct{}{} },
	})
	if err := server.StartServer("127.0.0.1:0"); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer server.Stop()

	addr := server.conn.LocalAddr()
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	client := New(false)
	if err := client.StartClient(addr.String()); err != nil {
		t.Fatalf("StartClient: %v", err)
	}
	defer client.Stop()
	if _, err := client.conn.Write(raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-called:
		t.Fatal("callback invoked for malformed datagram")
	case <-time.After(300 * time.Millisecond):
	}
}
