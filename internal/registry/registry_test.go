package registry

import "testing"

func TestStringMsgRoundTrip(t *testing.T) {
	if !Known("StringMsg") {
		t.Fatal("StringMsg should be a known type")
	}
	s, err := FromJSON("StringMsg", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	j, err := s.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if j["text"] != "hi" {
		t.Errorf("text = %v, want hi", j["text"])
	}
	if s.TypeName() != "StringMsg" {
		t.Errorf("TypeName = %q, want StringMsg", s.TypeName())
	}
}

func TestAlarmMsgRoundTrip(t *testing.T) {
	s, err := FromJSON("AlarmMsg", map[string]any{"code": int64(7), "severity": "critical", "message": "overheat"})
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	j, err := s.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if j["code"] != 7 || j["severity"] != "critical" || j["message"] != "overheat" {
		t.Errorf("json = %+v", j)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	if Known("NoSuchType") {
		t.Fatal("NoSuchType should not be known")
	}
	if _, err := FromJSON("NoSuchType", nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
