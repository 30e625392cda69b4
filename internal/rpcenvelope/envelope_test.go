package rpcenvelope

import (
	"strings"
	"testing"
)

func TestBuilderEncodeDecodeRoundTrip(t *testing.T) {
	payload, err := NewBuilder().
		Op("create").
		Target("writer", "topic", "chat", "type", "StringMsg").
		Args(map[string]any{"domain": int64(0), "publisher": "pub1"}).
		Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	req, err := DecodeRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Op != "create" {
		t.Errorf("Op = %q, want create", req.Op)
	}
	if req.Target["kind"] != "writer" {
		t.Errorf("Target.kind = %v, want writer", req.Target["kind"])
	}
	if req.Target["topic"] != "chat" {
		t.Errorf("Target.topic = %v, want chat", req.Target["topic"])
	}
	if req.Args["publisher"] != "pub1" {
		t.Errorf("Args.publisher = %v, want pub1", req.Args["publisher"])
	}
}

func TestBuilderToJSONCompactAndPretty(t *testing.T) {
	b := NewBuilder().Op("create").Target("writer", "topic", "chat")

	compact, err := b.ToJSON(false, 0)
	if err != nil {
		t.Fatalf("ToJSON(false): %v", err)
	}
	if strings.Contains(compact, "\n") {
		t.Errorf("compact JSON contains a newline: %q", compact)
	}
	if !strings.Contains(compact, `"op":"create"`) {
		t.Errorf("compact JSON = %q, want it to contain op:create", compact)
	}

	pretty, err := b.ToJSON(true, 2)
	if err != nil {
		t.Fatalf("ToJSON(true): %v", err)
	}
	if !strings.Contains(pretty, "\n") {
		t.Errorf("pretty JSON has no newline: %q", pretty)
	}
	if !strings.Contains(pretty, "  \"op\": \"create\"") {
		t.Errorf("pretty JSON = %q, want 2-space indented op field", pretty)
	}
}

func TestRequestToJSONOnDecodedRequest(t *testing.T) {
	req := RequestShape{Op: "hello", Proto: 1}
	out, err := RequestToJSON(req, false, 0)
	if err != nil {
		t.Fatalf("RequestToJSON: %v", err)
	}
	if !strings.Contains(out, `"op":"hello"`) || !strings.Contains(out, `"proto":1`) {
		t.Errorf("out = %q, want op and proto fields", out)
	}
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	if _, err := DecodeRequest([]byte{0xFF, 0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatal("expected decode error for malformed CBOR")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	rsp := ResponseShape{OK: true, Result: map[string]any{"action": "participant created"}}
	payload, err := EncodeResponse(rsp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	decoded, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !decoded.OK {
		t.Error("OK = false, want true")
	}
	if decoded.Result["action"] != "participant created" {
		t.Errorf("Result.action = %v, want %q", decoded.Result["action"], "participant created")
	}
}

func TestFailureResponseShape(t *testing.T) {
	rsp := ResponseShape{OK: false, Err: 4, Category: 1, Msg: "Participant already exists for domain=0"}
	payload, err := EncodeResponse(rsp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	decoded, err := DecodeResponse(payload)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.OK {
		t.Error("OK = true, want false")
	}
	if decoded.Err != 4 || decoded.Category != 1 {
		t.Errorf("Err/Category = %d/%d, want 4/1", decoded.Err, decoded.Category)
	}
}

func TestEventRoundTrip(t *testing.T) {
	evt := EventShape{Evt: "data", Topic: "chat", Type: "StringMsg", Data: map[string]any{"text": "hi"}}
	payload, err := EncodeEvent(evt)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	decoded, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if decoded.Topic != "chat" || decoded.Type != "StringMsg" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Data["text"] != "hi" {
		t.Errorf("Data.text = %v, want hi", decoded.Data["text"])
	}
}
