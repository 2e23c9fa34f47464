package tts_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/retry"
	"github.com/teslashibe/go-talkback/pkg/tts"
)

func TestMockProvider(t *testing.T) {
	mock := tts.NewMock("mock-a")
	ctx := context.Background()

	t.Run("Synthesize returns audio", func(t *testing.T) {
		result, err := mock.Synthesize(ctx, "Hello world")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Audio) == 0 {
			t.Error("expected audio data")
		}
		if result.CharCount != 11 {
			t.Errorf("expected 11 chars, got %d", result.CharCount)
		}
		if result.MIMEType() != "audio/mpeg" {
			t.Errorf("expected audio/mpeg, got %s", result.MIMEType())
		}
	})

	t.Run("Calls are tracked", func(t *testing.T) {
		if mock.CallCount("Synthesize") != 1 {
			t.Errorf("expected 1 Synthesize call, got %d", mock.CallCount("Synthesize"))
		}
		mock.Reset()
		if len(mock.Calls()) != 0 {
			t.Error("expected calls cleared after Reset")
		}
	})

	t.Run("WithLatency honours cancellation", func(t *testing.T) {
		slow := tts.WithLatency(tts.NewMock("slow"), time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := slow.Synthesize(ctx, "hi"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestChain(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	t.Run("quota failure advances without retry", func(t *testing.T) {
		quota := tts.WithError("a", &tts.APIError{StatusCode: 402, Provider: "a"})
		ok := tts.NewMock("b")

		chain, err := tts.NewChain(policy, []tts.Provider{quota, ok})
		if err != nil {
			t.Fatalf("NewChain() error = %v", err)
		}
		audio, attempts, err := chain.Run(context.Background(), "Hi there!")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if audio.Provider != "b" {
			t.Errorf("provider = %s, want b", audio.Provider)
		}
		if quota.CallCount("Synthesize") != 1 {
			t.Errorf("quota provider called %d times, want 1", quota.CallCount("Synthesize"))
		}
		if len(attempts) != 2 {
			t.Errorf("attempts = %d, want 2", len(attempts))
		}
	})

	t.Run("all five fail", func(t *testing.T) {
		var providers []tts.Provider
		for _, name := range []string{"openai", "edge", "elevenlabs", "gtts", "streamelements"} {
			providers = append(providers, tts.WithError(name, &tts.APIError{StatusCode: 401, Provider: name}))
		}
		chain, _ := tts.NewChain(policy, providers)
		_, attempts, err := chain.Run(context.Background(), "Hi")
		if !errors.Is(err, fallback.ErrChainExhausted) {
			t.Fatalf("Run() error = %v, want ErrChainExhausted", err)
		}
		if len(attempts) != 5 {
			t.Errorf("attempts = %d, want 5", len(attempts))
		}
	})

	t.Run("empty chain rejected", func(t *testing.T) {
		if _, err := tts.NewChain(policy, nil); !errors.Is(err, tts.ErrProviderUnavailable) {
			t.Errorf("NewChain(nil) error = %v, want ErrProviderUnavailable", err)
		}
	})
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		err       *tts.APIError
		retryable bool
		quota     bool
	}{
		{"rate limited", &tts.APIError{StatusCode: 429}, true, false},
		{"server error", &tts.APIError{StatusCode: 503}, true, false},
		{"openai quota", &tts.APIError{StatusCode: 429, Code: "insufficient_quota"}, false, true},
		{"elevenlabs quota", &tts.APIError{StatusCode: 401, Code: "quota_exceeded"}, false, true},
		{"payment required", &tts.APIError{StatusCode: 402}, false, true},
		{"unauthorized", &tts.APIError{StatusCode: 401}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := errors.Is(tt.err, tts.ErrQuotaExceeded); got != tt.quota {
				t.Errorf("errors.Is(ErrQuotaExceeded) = %v, want %v", got, tt.quota)
			}
		})
	}
}

func TestOpenAI(t *testing.T) {
	t.Run("sends request and returns audio", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
				t.Errorf("Authorization = %q", got)
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["voice"] != tts.VoiceNova || body["model"] != tts.ModelTTS1 {
				t.Errorf("payload = %v", body)
			}
			w.Write([]byte("mp3-bytes"))
		}))
		defer srv.Close()

		p, err := tts.NewOpenAI(tts.WithAPIKey("sk-test"), tts.WithBaseURL(srv.URL))
		if err != nil {
			t.Fatalf("NewOpenAI() error = %v", err)
		}
		res, err := p.Synthesize(context.Background(), "  Hello  ")
		if err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if string(res.Audio) != "mp3-bytes" || res.CharCount != 5 {
			t.Errorf("result = %q/%d", res.Audio, res.CharCount)
		}
	})

	t.Run("quota error is fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`))
		}))
		defer srv.Close()

		p, _ := tts.NewOpenAI(tts.WithAPIKey("sk-test"), tts.WithBaseURL(srv.URL))
		_, err := p.Synthesize(context.Background(), "Hello")
		if !errors.Is(err, tts.ErrQuotaExceeded) {
			t.Fatalf("error = %v, want ErrQuotaExceeded", err)
		}
		if retry.Classify(err) != retry.Fatal {
			t.Errorf("Classify() = %s, want fatal", retry.Classify(err))
		}
	})

	t.Run("server error is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		p, _ := tts.NewOpenAI(tts.WithAPIKey("sk-test"), tts.WithBaseURL(srv.URL))
		_, err := p.Synthesize(context.Background(), "Hello")
		if retry.Classify(err) != retry.Retryable {
			t.Errorf("Classify(%v) = %s, want retryable", err, retry.Classify(err))
		}
	})

	t.Run("requires api key", func(t *testing.T) {
		if _, err := tts.NewOpenAI(); !errors.Is(err, tts.ErrNoAPIKey) {
			t.Errorf("NewOpenAI() error = %v, want ErrNoAPIKey", err)
		}
	})

	t.Run("rejects empty text", func(t *testing.T) {
		p, _ := tts.NewOpenAI(tts.WithAPIKey("sk-test"))
		if _, err := p.Synthesize(context.Background(), "   "); !errors.Is(err, tts.ErrEmptyText) {
			t.Errorf("Synthesize() error = %v, want ErrEmptyText", err)
		}
	})
}

func TestElevenLabs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/text-to-speech/"+tts.DefaultElevenLabsVoice) {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "xi" {
			t.Errorf("missing xi-api-key")
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"status":"quota_exceeded","message":"This request exceeds your quota."}}`))
	}))
	defer srv.Close()

	p, err := tts.NewElevenLabs(tts.WithAPIKey("xi"), tts.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewElevenLabs() error = %v", err)
	}
	_, err = p.Synthesize(context.Background(), "Hello")
	if !errors.Is(err, tts.ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded", err)
	}
}

func TestStreamElements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("voice") != "Salli" || r.URL.Query().Get("text") != "Hi there!" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	p, _ := tts.NewStreamElements(tts.WithBaseURL(srv.URL))
	res, err := p.Synthesize(context.Background(), "Hi there!")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(res.Audio) != "mp3" || res.Provider != "streamelements" {
		t.Errorf("result = %q from %s", res.Audio, res.Provider)
	}
}

func TestGTTS(t *testing.T) {
	var segments []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("client") != "tw-ob" || q.Get("tl") != "en" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		segments = append(segments, q.Get("q"))
		io.WriteString(w, "["+q.Get("idx")+"]")
	}))
	defer srv.Close()

	p, _ := tts.NewGTTS(tts.WithBaseURL(srv.URL))
	text := strings.Repeat("word ", 90)
	res, err := p.Synthesize(context.Background(), text)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(segments))
	}
	for _, s := range segments {
		if len(s) > 200 {
			t.Errorf("segment length %d exceeds 200", len(s))
		}
	}
	if string(res.Audio) != "[0][1][2]" {
		t.Errorf("audio = %q, want concatenated segments", res.Audio)
	}
}

func TestGTTSUnspacedText(t *testing.T) {
	var segments []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seg := q.Get("q")
		segments = append(segments, seg)
		if q.Get("textlen") != fmt.Sprint(utf8.RuneCountInString(seg)) {
			t.Errorf("textlen = %s, want %d", q.Get("textlen"), utf8.RuneCountInString(seg))
		}
		io.WriteString(w, "mp3")
	}))
	defer srv.Close()

	p, _ := tts.NewGTTS(tts.WithBaseURL(srv.URL), tts.WithLanguage("zh-CN"))
	text := strings.Repeat("你好世界", 60)
	if _, err := p.Synthesize(context.Background(), text); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	for i, s := range segments {
		if !utf8.ValidString(s) {
			t.Errorf("segment %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(s); n > 200 {
			t.Errorf("segment %d has %d characters, want at most 200", i, n)
		}
	}
	if strings.Join(segments, "") != text {
		t.Error("segments do not reassemble the input")
	}
}

func TestEdge(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("Sec-MS-GEC") == "" || r.URL.Query().Get("ConnectionId") == "" {
			t.Errorf("missing auth query: %s", r.URL.RawQuery)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var frames []string
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames = append(frames, string(data))
		}
		if !strings.Contains(frames[0], "Path:speech.config") {
			t.Errorf("first frame = %q", frames[0])
		}
		if !strings.Contains(frames[1], "en-US-EricNeural") || !strings.Contains(frames[1], "Tom &amp; Jerry") {
			t.Errorf("ssml frame = %q", frames[1])
		}

		for _, chunk := range []string{"abc", "def"} {
			header := "X-RequestId:1\r\nContent-Type:audio/mpeg\r\nPath:audio\r\n"
			frame := make([]byte, 2, 2+len(header)+len(chunk))
			binary.BigEndian.PutUint16(frame, uint16(len(header)))
			frame = append(frame, header...)
			frame = append(frame, chunk...)
			conn.WriteMessage(websocket.BinaryMessage, frame)
		}
		conn.WriteMessage(websocket.TextMessage, []byte("X-RequestId:1\r\nPath:turn.end\r\n\r\n{}"))
	}))
	defer srv.Close()

	p, err := tts.NewEdge(tts.WithBaseURL("ws" + strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("NewEdge() error = %v", err)
	}
	res, err := p.Synthesize(context.Background(), "Tom & Jerry")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(res.Audio) != "abcdef" {
		t.Errorf("audio = %q, want abcdef", res.Audio)
	}
}

func TestEdgeDroppedSocketIsRetryable(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "busy")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()

	p, err := tts.NewEdge(tts.WithBaseURL("ws" + strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("NewEdge() error = %v", err)
	}
	_, err = p.Synthesize(context.Background(), "hello")
	if err == nil {
		t.Fatal("Synthesize() error = nil, want close error")
	}
	if retry.Classify(err) != retry.Retryable {
		t.Errorf("Classify(%v) = %s, want retryable", err, retry.Classify(err))
	}
}

func TestGoogle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "text:synthesize") {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"audioContent": base64.StdEncoding.EncodeToString([]byte("google-mp3")),
		})
	}))
	defer srv.Close()

	p, err := tts.NewGoogle(context.Background(),
		tts.WithHTTPClient(srv.Client()),
		tts.WithBaseURL(srv.URL+"/"),
	)
	if err != nil {
		t.Fatalf("NewGoogle() error = %v", err)
	}
	res, err := p.Synthesize(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(res.Audio) != "google-mp3" {
		t.Errorf("audio = %q", res.Audio)
	}
}
