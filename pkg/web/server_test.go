package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	logpkg "github.com/teslashibe/go-talkback/internal/log"
	"github.com/teslashibe/go-talkback/pkg/artifact"
	"github.com/teslashibe/go-talkback/pkg/hub"
	"github.com/teslashibe/go-talkback/pkg/inference"
	"github.com/teslashibe/go-talkback/pkg/retry"
	"github.com/teslashibe/go-talkback/pkg/session"
	"github.com/teslashibe/go-talkback/pkg/stt"
	"github.com/teslashibe/go-talkback/pkg/tts"
	"github.com/teslashibe/go-talkback/pkg/voice"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

type testServer struct {
	srv       *Server
	hub       *hub.Hub
	orch      *voice.Orchestrator
	artifacts *artifact.Memory
	llm       *inference.Mock
}

type serverOptions struct {
	stt []stt.Provider
	tts []tts.Provider
}

func newTestServer(t *testing.T, so serverOptions) *testServer {
	t.Helper()
	if so.stt == nil {
		so.stt = []stt.Provider{stt.NewMock("stt", "hello")}
	}
	if so.tts == nil {
		so.tts = []tts.Provider{tts.NewMock("tts")}
	}
	llm := inference.NewMock("llm", "Hi there!")

	sttChain, err := stt.NewChain(fastPolicy(2), so.stt)
	if err != nil {
		t.Fatalf("stt.NewChain() error = %v", err)
	}
	completionChain, err := inference.NewChain(fastPolicy(1), []inference.Provider{llm})
	if err != nil {
		t.Fatalf("inference.NewChain() error = %v", err)
	}
	ttsChain, err := tts.NewChain(fastPolicy(1), so.tts)
	if err != nil {
		t.Fatalf("tts.NewChain() error = %v", err)
	}

	logger := logpkg.Discard()
	h := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})

	artifacts := artifact.NewMemory("/api/audio")
	diagnostics := NewDiagnostics(10)
	orch, err := voice.New(voice.DefaultConfig(), voice.Deps{
		STT:         sttChain,
		Completion:  completionChain,
		TTS:         ttsChain,
		Sessions:    session.NewMemory(session.Options{}, logger),
		Artifacts:   artifacts,
		Sink:        NewHubSink(h),
		Diagnostics: diagnostics,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("voice.New() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.AccessLog = false
	cfg.RateLimit = 0
	srv, err := NewServer(cfg, Deps{
		Orchestrator: orch,
		TTS:          ttsChain,
		Artifacts:    artifacts,
		Hub:          h,
		Diagnostics:  diagnostics,
		Capabilities: Capabilities{
			STT:        sttChain.Names(),
			Completion: completionChain.Names(),
			TTS:        ttsChain.Names(),
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return &testServer{srv: srv, hub: h, orch: orch, artifacts: artifacts, llm: llm}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := ts.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	return resp
}

func audioUpload(t *testing.T, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="speech.webm"`)
	hdr.Set("Content-Type", "audio/webm")
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart() error = %v", err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/inference", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return b
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func decodeHeader(t *testing.T, resp *http.Response, name string) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(resp.Header.Get(name))
	if err != nil {
		t.Fatalf("%s is not base64: %v", name, err)
	}
	return string(b)
}

func TestInferenceReturnsAudio(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	req := audioUpload(t, []byte("RIFFspeech"))
	req.Header.Set(HeaderSessionID, "s1")
	resp := ts.do(t, req)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := decodeHeader(t, resp, HeaderTranscript); got != "hello" {
		t.Errorf("transcript header = %q", got)
	}
	if got := decodeHeader(t, resp, HeaderAIResponse); got != "Hi there!" {
		t.Errorf("response header = %q", got)
	}
	if resp.Header.Get(HeaderSessionID) != "s1" || resp.Header.Get(HeaderTurnID) == "" {
		t.Errorf("session = %q, turn = %q", resp.Header.Get(HeaderSessionID), resp.Header.Get(HeaderTurnID))
	}
	if resp.Header.Get(HeaderSTTTime) == "" || resp.Header.Get(HeaderAITime) == "" {
		t.Error("timing headers missing")
	}

	history, err := session.DecodeHistory(resp.Header.Get(HeaderConversation))
	if err != nil {
		t.Fatalf("DecodeHistory() error = %v", err)
	}
	if len(history) != 2 || history[0].Content != "hello" || history[1].Content != "Hi there!" {
		t.Errorf("conversation = %+v", history)
	}

	if body := string(readBody(t, resp)); body != "ID3fake-Hi there!" {
		t.Errorf("body = %q", body)
	}
	// No renderer is connected, so the inline clip is released at once.
	if n := ts.artifacts.Len(); n != 0 {
		t.Errorf("artifacts held = %d, want 0", n)
	}
}

func TestInferenceRawBody(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/inference?session=raw", bytes.NewReader([]byte("OggS...")))
	req.Header.Set("Content-Type", "audio/ogg")
	resp := ts.do(t, req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get(HeaderSessionID); got != "raw" {
		t.Errorf("session = %q", got)
	}
}

func TestInferenceUsesContinuationHeader(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	req := audioUpload(t, []byte("speech"))
	req.Header.Set(HeaderConversation, session.EncodeHistory([]session.Message{
		{Role: session.RoleUser, Content: "What is Go?"},
		{Role: session.RoleAssistant, Content: "A language."},
	}))
	resp := ts.do(t, req)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	calls := ts.llm.Calls()
	if len(calls) == 0 {
		t.Fatal("completion provider not called")
	}
	var contents []string
	for _, m := range calls[0].Request.Messages {
		contents = append(contents, m.Content)
	}
	joined := strings.Join(contents, "|")
	if !strings.Contains(joined, "What is Go?|A language.|hello") {
		t.Errorf("messages = %q", joined)
	}
}

func TestInferenceTextOnly(t *testing.T) {
	down := &tts.Mock{
		MockName: "tts",
		SynthesizeFunc: func(ctx context.Context, text string) (*tts.AudioResult, error) {
			return nil, tts.WrapError("tts", tts.ErrProviderUnavailable)
		},
	}
	ts := newTestServer(t, serverOptions{tts: []tts.Provider{down}})

	resp := ts.do(t, audioUpload(t, []byte("speech")))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decodeJSON(t, resp)
	if body["text_only"] != true || body["response"] != "Hi there!" || body["transcript"] != "hello" {
		t.Errorf("body = %v", body)
	}
}

func TestInferenceApology(t *testing.T) {
	deaf := &stt.Mock{
		MockName: "stt",
		TranscribeFunc: func(ctx context.Context, audio *stt.Audio) (*stt.Transcript, error) {
			return nil, stt.WrapError("stt", stt.ErrQuotaExceeded)
		},
	}
	ts := newTestServer(t, serverOptions{stt: []stt.Provider{deaf}})

	resp := ts.do(t, audioUpload(t, []byte("speech")))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["error"] != voice.TranscriptionApology {
		t.Errorf("error = %v", body["error"])
	}
	if body["stage"] != string(voice.StageTranscription) {
		t.Errorf("stage = %v", body["stage"])
	}
	if failures, _ := body["failures"].([]any); len(failures) == 0 {
		t.Errorf("failures = %v", body["failures"])
	}
}

func TestShutdownCancelsInflightTurns(t *testing.T) {
	started := make(chan struct{})
	stuck := &stt.Mock{
		MockName: "stt",
		TranscribeFunc: func(ctx context.Context, audio *stt.Audio) (*stt.Transcript, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ts := newTestServer(t, serverOptions{stt: []stt.Provider{stuck}})

	req := audioUpload(t, []byte("speech"))
	req.Header.Set(HeaderSessionID, "s1")
	done := make(chan *http.Response, 1)
	go func() {
		resp, err := ts.srv.App().Test(req, -1)
		if err != nil {
			t.Errorf("POST /api/inference: %v", err)
		}
		done <- resp
	}()

	<-started
	ts.srv.stopTurns()

	select {
	case resp := <-done:
		if resp == nil {
			t.FailNow()
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body := decodeJSON(t, resp); body["stage"] != string(voice.StageTranscription) {
			t.Errorf("stage = %v", body["stage"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn kept running after its turns were stopped")
	}
	if ts.orch.Busy("s1") {
		t.Error("session still busy")
	}
}

func TestInferenceValidation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	t.Run("empty body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/inference", nil)
		if resp := ts.do(t, req); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("bad continuation header", func(t *testing.T) {
		req := audioUpload(t, []byte("speech"))
		req.Header.Set(HeaderConversation, "%%%not-base64")
		if resp := ts.do(t, req); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestChatAndAudioLifecycle(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	req := jsonRequest(http.MethodPost, "/api/chat", `{"message":"hello"}`)
	req.Header.Set(HeaderSessionID, "s1")
	body := decodeJSON(t, ts.do(t, req))
	if body["response"] != "Hi there!" || body["text_only"] != false {
		t.Fatalf("chat body = %v", body)
	}
	url, _ := body["audio_url"].(string)
	turnID, _ := body["turn_id"].(string)
	if !strings.HasPrefix(url, "/api/audio/") {
		t.Fatalf("audio_url = %q", url)
	}

	resp := ts.do(t, httptest.NewRequest(http.MethodGet, url, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET audio status = %d", resp.StatusCode)
	}
	if got := string(readBody(t, resp)); got != "ID3fake-Hi there!" {
		t.Errorf("audio = %q", got)
	}

	resp = ts.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/playback/"+turnID, nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("playback status = %d", resp.StatusCode)
	}
	resp = ts.do(t, httptest.NewRequest(http.MethodGet, url, nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET released audio status = %d, want 404", resp.StatusCode)
	}
}

func TestTTSEndpoint(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, jsonRequest(http.MethodPost, "/api/tts", `{"text":"Good morning."}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := string(readBody(t, resp)); got != "ID3fake-Good morning." {
		t.Errorf("audio = %q", got)
	}

	resp = ts.do(t, jsonRequest(http.MethodPost, "/api/tts", `{"text":"   "}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank text status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionRoutes(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	body := decodeJSON(t, ts.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/listening", nil)))
	if body["state"] != string(voice.StateListening) {
		t.Errorf("listening state = %v", body["state"])
	}

	body = decodeJSON(t, ts.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/cancel", nil)))
	if body["state"] != string(voice.StateListening) {
		t.Errorf("state after idle cancel = %v", body["state"])
	}

	resp := ts.do(t, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/playback/unknown", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown playback status = %d, want 404", resp.StatusCode)
	}

	resp = ts.do(t, httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("reset status = %d", resp.StatusCode)
	}
	if st := ts.orch.State("s1"); st != voice.StateIdle {
		t.Errorf("state after reset = %v", st)
	}
}

func TestDiagnosticsAndCapabilities(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	readBody(t, ts.do(t, jsonRequest(http.MethodPost, "/api/chat", `{"message":"hello"}`)))

	body := decodeJSON(t, ts.do(t, httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil)))
	turns, _ := body["turns"].([]any)
	if len(turns) != 1 {
		t.Fatalf("turns = %v", body["turns"])
	}
	audit, _ := turns[0].(map[string]any)
	if attempts, _ := audit["attempts"].([]any); len(attempts) != 2 {
		t.Errorf("attempts = %v", audit["attempts"])
	}

	body = decodeJSON(t, ts.do(t, httptest.NewRequest(http.MethodGet, "/api/capabilities", nil)))
	providers, _ := body["providers"].(map[string]any)
	if tts, _ := providers["tts"].([]any); len(tts) != 1 || tts[0] != "tts" {
		t.Errorf("providers = %v", providers)
	}

	body = decodeJSON(t, ts.do(t, httptest.NewRequest(http.MethodGet, "/health", nil)))
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestStateRouteRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	resp := ts.do(t, httptest.NewRequest(http.MethodGet, "/ws/state", nil))
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

// idleConn is a websocket connection that never delivers anything.
type idleConn struct {
	done chan struct{}
}

func (c *idleConn) SetReadLimit(int64)                {}
func (c *idleConn) SetReadDeadline(time.Time) error   { return nil }
func (c *idleConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *idleConn) SetPongHandler(func(string) error) {}
func (c *idleConn) WriteMessage(int, []byte) error    { return nil }
func (c *idleConn) Close() error                      { return nil }

func (c *idleConn) ReadMessage() (int, []byte, error) {
	<-c.done
	return 0, nil, errors.New("closed")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRendererMessages(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	client := hub.NewClient(ts.hub, &idleConn{done: make(chan struct{})}, "s1")
	waitFor(t, func() bool { return ts.hub.ClientCount() == 1 })

	sink := ts.srv.Sink()
	if sink.Ready("s1") {
		t.Fatal("Ready() before ready message")
	}
	ts.srv.handleRendererMessage(client, []byte(`{"type":"ready"}`))
	if !sink.Ready("s1") || sink.Ready("s2") {
		t.Errorf("Ready(s1) = %v, Ready(s2) = %v", sink.Ready("s1"), sink.Ready("s2"))
	}

	ts.srv.handleRendererMessage(client, []byte(`{"type":"listening"}`))
	if st := ts.orch.State("s1"); st != voice.StateListening {
		t.Errorf("state after listening = %v", st)
	}

	// With a renderer ready, the clip stays until it reports playback.
	body := decodeJSON(t, ts.do(t, func() *http.Request {
		req := jsonRequest(http.MethodPost, "/api/chat", `{"message":"hello"}`)
		req.Header.Set(HeaderSessionID, "s1")
		return req
	}()))
	turnID, _ := body["turn_id"].(string)
	if ts.artifacts.Len() != 1 {
		t.Fatalf("artifacts held = %d, want 1", ts.artifacts.Len())
	}
	ts.srv.handleRendererMessage(client, []byte(`{"type":"playback_done","data":{"turn_id":"`+turnID+`"}}`))
	if ts.artifacts.Len() != 0 {
		t.Errorf("artifacts held after playback = %d, want 0", ts.artifacts.Len())
	}

	// Junk is ignored.
	ts.srv.handleRendererMessage(client, []byte(`not json`))
}

func TestDiagnosticsRing(t *testing.T) {
	d := NewDiagnostics(2)
	d.RecordTurn("s", "t1", nil)
	d.RecordTurn("s", "t2", nil)
	d.RecordTurn("s", "t3", nil)

	if d.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", d.Len())
	}
	recent := d.Recent(0)
	if recent[0].TurnID != "t3" || recent[1].TurnID != "t2" {
		t.Errorf("Recent() = %+v", recent)
	}
	if got := d.Recent(1); len(got) != 1 || got[0].TurnID != "t3" {
		t.Errorf("Recent(1) = %+v", got)
	}
}

func TestEncodeHeader(t *testing.T) {
	long := strings.Repeat("é", 3000)
	enc := encodeHeader(long, maxResponseHeader)
	if len(enc) > maxResponseHeader {
		t.Errorf("len = %d", len(enc))
	}
	if _, err := base64.StdEncoding.DecodeString(enc); err != nil {
		t.Errorf("cut value does not decode: %v", err)
	}
	if got := prefix("héllo", 2); got != "hé" {
		t.Errorf("prefix() = %q", got)
	}
}
