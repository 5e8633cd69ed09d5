package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/sera-runtime/internal/ai"
	"github.com/floegence/sera-runtime/internal/auditlog"
	"github.com/floegence/sera-runtime/internal/blobstore"
	"github.com/floegence/sera-runtime/internal/capability"
	"github.com/floegence/sera-runtime/internal/chats"
	"github.com/floegence/sera-runtime/internal/metrics"
	"github.com/floegence/sera-runtime/internal/state"
)

type turnFunc func(ctx context.Context, req ai.TurnRequest, onEvent func(ai.StreamEvent)) (ai.TurnResult, error)

type scriptedProvider struct {
	mu    sync.Mutex
	turns []turnFunc
	n     int
}

func (p *scriptedProvider) StreamTurn(ctx context.Context, req ai.TurnRequest, onEvent func(ai.StreamEvent)) (ai.TurnResult, error) {
	p.mu.Lock()
	var fn turnFunc
	if p.n < len(p.turns) {
		fn = p.turns[p.n]
	}
	p.n++
	p.mu.Unlock()
	if fn == nil {
		return ai.TurnResult{FinishReason: "stop"}, nil
	}
	return fn(ctx, req, onEvent)
}

func textTurn(text string) turnFunc {
	return func(_ context.Context, _ ai.TurnRequest, onEvent func(ai.StreamEvent)) (ai.TurnResult, error) {
		onEvent(ai.StreamEvent{Type: ai.StreamEventTextDelta, Text: text})
		return ai.TurnResult{FinishReason: "stop", Text: text}, nil
	}
}

type testServer struct {
	srv     *httptest.Server
	caps    *capability.Registry
	metrics *metrics.Metrics
	audit   *auditlog.Store
}

func newTestServer(t *testing.T, turns ...turnFunc) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	caps := capability.NewRegistry(capability.Options{Logger: log})
	svc, err := ai.NewService(ai.Options{
		Logger:       log,
		Store:        state.NewMemoryStore(state.MemoryOptions{Logger: log}),
		Capabilities: caps,
		Provider:     &scriptedProvider{turns: turns},
		Model:        "test-model",
		Version:      "1.10.0",
	})
	if err != nil {
		t.Fatalf("ai.NewService: %v", err)
	}
	chatStore, err := chats.Open(filepath.Join(t.TempDir(), "chats.sqlite"))
	if err != nil {
		t.Fatalf("chats.Open: %v", err)
	}
	t.Cleanup(func() { _ = chatStore.Close() })
	chatSvc, err := chats.NewService(chats.Options{Logger: log, Store: chatStore})
	if err != nil {
		t.Fatalf("chats.NewService: %v", err)
	}
	m := metrics.New()
	audit, err := auditlog.New(auditlog.Options{Logger: log, Dir: filepath.Join(t.TempDir(), "audit")})
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}
	gw, err := New(Options{
		Logger:     log,
		AI:         svc,
		Chats:      chatSvc,
		Blobs:      blobstore.NewMemoryStore(blobstore.Options{Logger: log}),
		Metrics:    m,
		Audit:      audit,
		CORSOrigin: "http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, caps: caps, metrics: m, audit: audit}
}

func (ts *testServer) do(t *testing.T, method string, path string, body any, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// readEvents parses an SSE body into decoded event objects.
func readEvents(t *testing.T, r io.Reader) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Errorf("bad frame %q: %v", line, err)
			continue
		}
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []map[string]any) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		s, _ := ev["type"].(string)
		out = append(out, s)
	}
	return out
}

func runBody(threadID string, text string) map[string]any {
	return map[string]any{
		"threadId": threadID,
		"messages": []map[string]any{{"id": "m1", "role": "user", "content": text}},
	}
}

func TestEnvelope_Info(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/copilotkit", map[string]any{"method": "info"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var info ai.RuntimeInfo
	decodeBody(t, resp, &info)
	if info.Version != "1.10.0" || info.Agents["SERA"].ClassName != "SeraAgent" {
		t.Fatalf("info=%+v", info)
	}

	resp = ts.do(t, http.MethodGet, "/copilotkit/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("REST info status=%d", resp.StatusCode)
	}
}

func TestEnvelope_Rejections(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	cases := []struct {
		name   string
		body   any
		status int
		msg    string
	}{
		{"unknown method", map[string]any{"method": "agent/dance"}, http.StatusBadRequest, "Unknown method: agent/dance"},
		{"run without agent", map[string]any{"method": "agent/run", "body": runBody("t1", "hi")}, http.StatusBadRequest, "Missing agentId"},
		{"run unknown agent", map[string]any{"method": "agent/run", "params": map[string]any{"agentId": "nope"}, "body": runBody("t1", "hi")}, http.StatusNotFound, ""},
		{"run without messages", map[string]any{"method": "agent/run", "params": map[string]any{"agentId": "SERA"}, "body": map[string]any{}}, http.StatusBadRequest, ""},
		{"stop without thread", map[string]any{"method": "agent/stop", "params": map[string]any{"agentId": "SERA"}}, http.StatusBadRequest, "Missing agentId or threadId"},
		{"confirm unknown", map[string]any{"method": "agent/confirm", "params": map[string]any{"agentId": "SERA"}, "body": map[string]any{"threadId": "t1", "confirmationId": "c1", "confirmed": true}}, http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		resp := ts.do(t, http.MethodPost, "/copilotkit", tc.body, nil)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status=%d, want %d", tc.name, resp.StatusCode, tc.status)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: content-type=%q, rejection must precede the stream", tc.name, ct)
		}
		var er errorResp
		decodeBody(t, resp, &er)
		if tc.msg != "" && er.Message != tc.msg {
			t.Fatalf("%s: message=%q, want %q", tc.name, er.Message, tc.msg)
		}
	}

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/copilotkit", strings.NewReader("{not json"))
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed envelope status=%d, want 400", resp.StatusCode)
	}
}

func TestRun_StreamsSSEThenConnectReplays(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, textTurn("Hello there"))
	resp := ts.do(t, http.MethodPost, "/copilotkit", map[string]any{
		"method": "agent/run",
		"params": map[string]any{"agentId": "SERA"},
		"body":   runBody("t1", "hi"),
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	for k, want := range map[string]string{
		"Content-Type":                "text/event-stream",
		"Cache-Control":               "no-cache",
		"X-Accel-Buffering":           "no",
		"Access-Control-Allow-Origin": "http://localhost:3000",
	} {
		if got := resp.Header.Get(k); got != want {
			t.Fatalf("%s=%q, want %q", k, got, want)
		}
	}
	if resp.Header.Get(headerRunID) == "" {
		t.Fatalf("missing %s header", headerRunID)
	}
	events := readEvents(t, resp.Body)
	types := eventTypes(events)
	if len(types) < 2 || types[0] != "RUN_STARTED" || types[len(types)-1] != "RUN_FINISHED" {
		t.Fatalf("events=%v", types)
	}
	var text strings.Builder
	for _, ev := range events {
		if ev["type"] == "TEXT_MESSAGE_CONTENT" {
			s, _ := ev["delta"].(string)
			text.WriteString(s)
		}
	}
	if text.String() != "Hello there" {
		t.Fatalf("streamed text=%q", text.String())
	}
	if got, _ := events[0]["runId"].(string); got != resp.Header.Get(headerRunID) {
		t.Fatalf("RUN_STARTED runId=%q, header=%q", got, resp.Header.Get(headerRunID))
	}

	resp = ts.do(t, http.MethodPost, "/copilotkit/agent/SERA/connect", map[string]any{"threadId": "t1"}, nil)
	replay := eventTypes(readEvents(t, resp.Body))
	if len(replay) != 2 || replay[0] != "STATE_SNAPSHOT" || replay[1] != "MESSAGES_SNAPSHOT" {
		t.Fatalf("connect replay=%v", replay)
	}

	resp = ts.do(t, http.MethodPost, "/copilotkit", map[string]any{
		"method": "agent/connect",
		"params": map[string]any{"agentId": "SERA", "threadId": "unknown"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown-thread connect status=%d", resp.StatusCode)
	}
	if evs := readEvents(t, resp.Body); len(evs) != 0 {
		t.Fatalf("unknown thread replayed %d events", len(evs))
	}
}

func TestStop_CancelsLiveRun(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	ts := newTestServer(t, func(_ context.Context, _ ai.TurnRequest, onEvent func(ai.StreamEvent)) (ai.TurnResult, error) {
		onEvent(ai.StreamEvent{Type: ai.StreamEventTextDelta, Text: "partial"})
		close(started)
		<-release
		onEvent(ai.StreamEvent{Type: ai.StreamEventTextDelta, Text: " dropped"})
		return ai.TurnResult{FinishReason: "stop", Text: "partial dropped"}, nil
	})

	resp := ts.do(t, http.MethodPost, "/copilotkit/agent/SERA/run", runBody("t1", "hi"), nil)
	done := make(chan []map[string]any, 1)
	go func() { done <- readEvents(t, resp.Body) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not start")
	}

	var sr successResp
	decodeBody(t, ts.do(t, http.MethodPost, "/copilotkit/agent/SERA/stop/t1", nil, nil), &sr)
	if !sr.Success {
		t.Fatalf("first stop success=false")
	}
	decodeBody(t, ts.do(t, http.MethodPost, "/copilotkit", map[string]any{
		"method": "agent/stop",
		"params": map[string]any{"agentId": "SERA", "threadId": "t1"},
	}, nil), &sr)
	if sr.Success {
		t.Fatalf("second stop success=true, want false")
	}
	close(release)

	var events []map[string]any
	select {
	case events = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not end")
	}
	types := eventTypes(events)
	want := []string{"RUN_STARTED", "TEXT_MESSAGE_START", "TEXT_MESSAGE_CONTENT", "TEXT_MESSAGE_END", "RUN_FINISHED"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v, want %v", types, want)
	}
}

func TestConfirm_ExecutesParkedLocalAction(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(_ context.Context, _ ai.TurnRequest, onEvent func(ai.StreamEvent)) (ai.TurnResult, error) {
		call := ai.ToolCall{ID: "call_1", Name: "add", Args: map[string]any{"a": 2.0, "b": 3.0}}
		onEvent(ai.StreamEvent{Type: ai.StreamEventToolCallStart, ToolCall: &ai.PartialToolCall{ID: call.ID, Name: call.Name}})
		onEvent(ai.StreamEvent{Type: ai.StreamEventToolCallDelta, ToolCall: &ai.PartialToolCall{ID: call.ID, Name: call.Name, ArgsDelta: `{"a":2,"b":3}`}})
		return ai.TurnResult{FinishReason: "tool_calls", ToolCalls: []ai.ToolCall{call}}, nil
	})
	var calls atomic.Int32
	err := ts.caps.RegisterLocal(capability.Definition{
		Name: "add",
		Parameters: []capability.Parameter{
			{Name: "a", Type: capability.ParamNumber, Required: true},
			{Name: "b", Type: capability.ParamNumber, Required: true},
		},
		RequiresConfirmation: true,
	}, func(_ context.Context, args map[string]any, _ capability.ExecContext) (capability.Result, error) {
		calls.Add(1)
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return capability.Success(a + b), nil
	})
	if err != nil {
		t.Fatalf("RegisterLocal: %v", err)
	}

	resp := ts.do(t, http.MethodPost, "/copilotkit/agent/SERA/run", runBody("t1", "add 2 and 3"), nil)
	confirmationID := ""
	for _, ev := range readEvents(t, resp.Body) {
		if ev["type"] == "CUSTOM" && ev["name"] == "confirmation_request" {
			v, _ := ev["value"].(map[string]any)
			confirmationID, _ = v["confirmationId"].(string)
		}
	}
	if confirmationID == "" {
		t.Fatalf("no confirmation_request event")
	}
	if calls.Load() != 0 {
		t.Fatalf("gated action executed before confirmation")
	}

	var res capability.Result
	decodeBody(t, ts.do(t, http.MethodPost, "/copilotkit/agent/SERA/confirm", map[string]any{
		"threadId": "t1", "confirmationId": confirmationID, "confirmed": true,
	}, nil), &res)
	if !res.Success || res.Result != 5.0 || calls.Load() != 1 {
		t.Fatalf("confirm result=%+v calls=%d", res, calls.Load())
	}

	resp = ts.do(t, http.MethodPost, "/copilotkit/agent/SERA/confirm", map[string]any{
		"threadId": "t1", "confirmationId": confirmationID, "confirmed": true,
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second confirm status=%d, want 404", resp.StatusCode)
	}
}

func multipartImage(t *testing.T, field string, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="img"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	_, _ = part.Write(data)
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadImage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	post := func(field string, ct string, data []byte) *http.Response {
		body, formCT := multipartImage(t, field, ct, data)
		resp, err := ts.srv.Client().Post(ts.srv.URL+"/copilotkit/upload-image", formCT, body)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	resp := post("image", "image/png", png)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status=%d", resp.StatusCode)
	}
	var up uploadResp
	decodeBody(t, resp, &up)
	if !strings.HasPrefix(up.ImageID, "img_") || up.MimeType != "image/png" {
		t.Fatalf("upload=%+v", up)
	}

	img := ts.do(t, http.MethodGet, "/copilotkit/images/"+up.ImageID, nil, nil)
	got, _ := io.ReadAll(img.Body)
	if img.StatusCode != http.StatusOK || img.Header.Get("Content-Type") != "image/png" || !bytes.Equal(got, png) {
		t.Fatalf("image fetch status=%d ct=%q len=%d", img.StatusCode, img.Header.Get("Content-Type"), len(got))
	}
	if r := ts.do(t, http.MethodGet, "/copilotkit/images/img_missing", nil, nil); r.StatusCode != http.StatusNotFound {
		t.Fatalf("missing image status=%d, want 404", r.StatusCode)
	}

	if r := post("image", "text/plain", []byte("hello")); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("text upload status=%d, want 400", r.StatusCode)
	}
	if r := post("file", "image/png", png); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("wrong field status=%d, want 400", r.StatusCode)
	}
	big := append(append([]byte(nil), png...), bytes.Repeat([]byte{1}, int(blobstore.MaxImageBytes))...)
	if r := post("image", "image/png", big); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized upload status=%d, want 400", r.StatusCode)
	}
}

func TestChats_RequireUserAndOwnership(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	if r := ts.do(t, http.MethodGet, "/chats", nil, nil); r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list status=%d, want 401", r.StatusCode)
	}

	alice := map[string]string{headerUserID: "alice"}
	bob := map[string]string{headerUserID: "bob"}

	resp := ts.do(t, http.MethodPost, "/chats", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "What is the capital of France?"}},
	}, alice)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	var c chats.Chat
	decodeBody(t, resp, &c)
	if c.ID == "" || c.UserID != "alice" || c.Title != "What is the capital of France?" {
		t.Fatalf("created=%+v", c)
	}

	var list []chats.Chat
	decodeBody(t, ts.do(t, http.MethodGet, "/chats", nil, alice), &list)
	if len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("list=%+v", list)
	}

	if r := ts.do(t, http.MethodGet, "/chats/"+c.ID, nil, bob); r.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign get status=%d, want 403", r.StatusCode)
	}
	resp = ts.do(t, http.MethodPatch, "/chats/"+c.ID, map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": "What is the capital of France?"},
			{"role": "assistant", "content": "Paris."},
		},
	}, alice)
	var updated chats.Chat
	decodeBody(t, resp, &updated)
	if len(updated.Messages) != 2 {
		t.Fatalf("updated=%+v", updated)
	}
	if r := ts.do(t, http.MethodDelete, "/chats/"+c.ID, nil, alice); r.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", r.StatusCode)
	}
	if r := ts.do(t, http.MethodGet, "/chats/"+c.ID, nil, alice); r.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted get status=%d, want 404", r.StatusCode)
	}

	entries, err := ts.audit.List(10)
	if err != nil {
		t.Fatalf("audit List: %v", err)
	}
	var actions []string
	for _, e := range entries {
		if e.ChatID != c.ID || e.UserID != "alice" {
			t.Fatalf("audit entry=%+v", e)
		}
		actions = append(actions, e.Action)
	}
	want := []string{auditlog.ActionChatDeleted, auditlog.ActionChatUpdated, auditlog.ActionChatCreated}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Fatalf("audit actions=%v, want %v", actions, want)
	}
}

func TestAudit_ListsOnlyCallerEntries(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	if r := ts.do(t, http.MethodGet, "/audit", nil, nil); r.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous audit status=%d, want 401", r.StatusCode)
	}

	alice := map[string]string{headerUserID: "alice"}
	bob := map[string]string{headerUserID: "bob"}
	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodPost, "/chats", map[string]any{
			"messages": []map[string]any{{"role": "user", "content": "hello"}},
		}, alice)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status=%d", resp.StatusCode)
		}
	}

	resp := ts.do(t, http.MethodGet, "/audit", nil, alice)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status=%d, want 200", resp.StatusCode)
	}
	var entries []auditlog.Entry
	decodeBody(t, resp, &entries)
	if len(entries) != 2 || entries[0].Action != auditlog.ActionChatCreated || entries[0].UserID != "alice" {
		t.Fatalf("alice audit=%+v", entries)
	}

	decodeBody(t, ts.do(t, http.MethodGet, "/audit?limit=1", nil, alice), &entries)
	if len(entries) != 1 {
		t.Fatalf("limited audit len=%d, want 1", len(entries))
	}

	var foreign []auditlog.Entry
	decodeBody(t, ts.do(t, http.MethodGet, "/audit", nil, bob), &foreign)
	if len(foreign) != 0 {
		t.Fatalf("bob audit=%+v, want none", foreign)
	}

	if r := ts.do(t, http.MethodGet, "/audit?limit=abc", nil, alice); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d, want 400", r.StatusCode)
	}
}

func TestCORSPreflightAndMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := ts.do(t, http.MethodOptions, "/copilotkit", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin=%q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), headerUserID) {
		t.Fatalf("allow-headers=%q", resp.Header.Get("Access-Control-Allow-Headers"))
	}

	_ = ts.do(t, http.MethodGet, "/healthz", nil, nil)
	_ = ts.do(t, http.MethodGet, "/copilotkit/info", nil, nil)
	body, _ := io.ReadAll(ts.do(t, http.MethodGet, "/metrics", nil, nil).Body)
	if !strings.Contains(string(body), `sera_http_requests_total{method="GET",route="/copilotkit/info",status="200"} 1`) {
		t.Fatalf("metrics missing info request:\n%s", body)
	}
}
