package agui

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEncode_SSEFrame(t *testing.T) {
	t.Parallel()

	b, err := Encode(NewRunStarted("th_1", "run_1"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got := string(b)
	if !strings.HasPrefix(got, "data: ") || !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("frame=%q, want data: ...\\n\\n", got)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(got, "data: "), "\n\n")), &decoded); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if decoded["type"] != "RUN_STARTED" || decoded["threadId"] != "th_1" || decoded["runId"] != "run_1" {
		t.Fatalf("decoded=%v", decoded)
	}
}

func TestEncode_StateDeltaUsesDeltaKey(t *testing.T) {
	t.Parallel()

	b, err := Encode(NewStateDelta(PatchOp{Op: PatchAdd, Path: "/custom/x", Value: 1}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(b), `"delta":[{"op":"add","path":"/custom/x","value":1}]`) {
		t.Fatalf("frame=%s", b)
	}
}

func TestEncode_CustomHITLPayload(t *testing.T) {
	t.Parallel()

	b, err := Encode(NewConfirmationRequest("c1", "delete_item", map[string]any{"id": "7"}, "Delete item 7?"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"type":"CUSTOM"`, `"name":"confirmation_request"`, `"confirmationId":"c1"`, `"actionName":"delete_item"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("frame missing %s: %s", want, s)
		}
	}
}

func TestNewToolCallEnd_SerializesResult(t *testing.T) {
	t.Parallel()

	ev := NewToolCallEnd("tc_1", map[string]any{"success": true})
	if ev.Result != `{"success":true}` {
		t.Fatalf("Result=%q", ev.Result)
	}
	if got := NewToolCallEnd("tc_2", nil).Result; got != "" {
		t.Fatalf("nil result=%q, want empty", got)
	}
}

func TestProgressUpdate_Clamped(t *testing.T) {
	t.Parallel()

	ev := NewProgressUpdate("knowledge", 3, "")
	p, ok := ev.Value.(ProgressUpdate)
	if !ok {
		t.Fatalf("value type=%T", ev.Value)
	}
	if p.Progress != 1 {
		t.Fatalf("progress=%v, want 1", p.Progress)
	}
}

func TestSSEStream_CloseOnce(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	s := NewSSEStream(rec)
	if err := s.Emit(NewRunStarted("t", "r")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := s.Emit(NewRunFinished("t", "r")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("second Close err=%v, want ErrStreamClosed", err)
	}
	if err := s.Emit(NewRunError("late")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Emit after close err=%v, want ErrStreamClosed", err)
	}
	if got := strings.Count(rec.Body.String(), "data: "); got != 2 {
		t.Fatalf("frames=%d, want 2", got)
	}
	if !rec.Flushed {
		t.Fatalf("recorder not flushed")
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if !IsTerminal(NewRunFinished("t", "r")) || !IsTerminal(NewRunError("x")) {
		t.Fatalf("terminal events not detected")
	}
	if IsTerminal(NewTextMessageEnd("m")) {
		t.Fatalf("TEXT_MESSAGE_END reported terminal")
	}
}
