package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-talkback/pkg/retry"
)

const (
	edgeBaseURL     = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	edgeTrustedTok  = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	edgeGECVersion  = "1-130.0.2849.68"
	edgeOrigin      = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"
	edgeUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0"
	edgeAudioFormat = "audio-24khz-48kbitrate-mono-mp3"
	providerEdge    = "edge"

	// DefaultEdgeVoice is the neural voice used when none is configured.
	DefaultEdgeVoice = "en-US-EricNeural"

	// windowsEpoch is the offset between 1601-01-01 and the Unix epoch, in seconds.
	windowsEpoch = 11644473600
)

// Edge implements Provider using the Microsoft Edge read-aloud neural voices.
// It needs no credentials and speaks a websocket protocol: one config frame,
// one SSML frame, then binary audio frames until "turn.end".
type Edge struct {
	config  *Config
	dialer  *websocket.Dialer
	logger  *slog.Logger
	baseURL string
	now     func() time.Time
}

// NewEdge creates a new Edge neural TTS provider.
func NewEdge(opts ...Option) (*Edge, error) {
	cfg := DefaultConfig()
	cfg.VoiceID = DefaultEdgeVoice
	cfg.Apply(opts...)

	if cfg.VoiceID == "" {
		return nil, ErrNoVoiceID
	}

	return &Edge{
		config: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger:  cfg.Logger.With("component", "tts.edge"),
		baseURL: cfg.baseURL(edgeBaseURL),
		now:     time.Now,
	}, nil
}

// Name returns the provider name.
func (e *Edge) Name() string { return providerEdge }

// Synthesize converts text to MP3 audio over a single websocket session.
func (e *Edge) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, WrapError(providerEdge, err)
	}

	start := time.Now()
	connID := strings.ReplaceAll(uuid.NewString(), "-", "")
	url := fmt.Sprintf("%s?TrustedClientToken=%s&Sec-MS-GEC=%s&Sec-MS-GEC-Version=%s&ConnectionId=%s",
		e.baseURL, edgeTrustedTok, e.secMSGEC(), edgeGECVersion, connID)

	headers := http.Header{}
	headers.Set("Origin", edgeOrigin)
	headers.Set("User-Agent", edgeUserAgent)
	headers.Set("Pragma", "no-cache")
	headers.Set("Cache-Control", "no-cache")

	conn, resp, err := e.dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error(), Provider: providerEdge}
		}
		return nil, WrapError(providerEdge, fmt.Errorf("dial: %w", err))
	}
	defer conn.Close()

	// Unblock reads when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	timestamp := e.now().UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(e.configFrame(timestamp))); err != nil {
		return nil, e.wrapConnErr(ctx, "send config", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(e.ssmlFrame(connID, timestamp, text))); err != nil {
		return nil, e.wrapConnErr(ctx, "send ssml", err)
	}

	var audio bytes.Buffer
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, e.wrapConnErr(ctx, "read", err)
		}

		if msgType == websocket.TextMessage {
			if bytes.Contains(data, []byte("Path:turn.end")) {
				break
			}
			continue
		}

		chunk, ok := edgeAudioPayload(data)
		if ok {
			audio.Write(chunk)
		}
	}

	if audio.Len() == 0 {
		return nil, WrapError(providerEdge, ErrEmptyAudio)
	}

	latency := time.Since(start).Milliseconds()
	e.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", audio.Len(),
		"latency_ms", latency,
		"voice", e.config.VoiceID,
	)

	return &AudioResult{
		Audio:     audio.Bytes(),
		Encoding:  EncodingMP3,
		Duration:  mp3Duration(audio.Len(), 48),
		Provider:  providerEdge,
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Close releases resources.
func (e *Edge) Close() error {
	return nil
}

func (e *Edge) configFrame(timestamp string) string {
	return "X-Timestamp:" + timestamp + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"` + edgeAudioFormat + `"}}}}`
}

func (e *Edge) ssmlFrame(requestID, timestamp, text string) string {
	var escaped strings.Builder
	xml.EscapeText(&escaped, []byte(text))

	lang := voiceLocale(e.config.VoiceID)
	ssml := fmt.Sprintf("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='%s'>"+
		"<voice name='%s'><prosody pitch='+0Hz' rate='+0%%' volume='+0%%'>%s</prosody></voice></speak>",
		lang, e.config.VoiceID, escaped.String())

	return "X-RequestId:" + requestID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp + "Z\r\n" +
		"Path:ssml\r\n\r\n" + ssml
}

// secMSGEC derives the rolling token the service expects, valid for five minutes.
func (e *Edge) secMSGEC() string {
	ticks := e.now().Unix() + windowsEpoch
	ticks -= ticks % 300
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s", ticks*10_000_000, edgeTrustedTok)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (e *Edge) wrapConnErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseProtocolError {
		return &APIError{StatusCode: http.StatusBadRequest, Message: closeErr.Text, Provider: providerEdge}
	}
	// A dropped socket is a transport failure; gorilla reports it as a
	// close frame rather than a net.Error.
	if closeErr != nil {
		return retry.MarkRetryable(WrapError(providerEdge, fmt.Errorf("%s: %w", op, err)))
	}
	return WrapError(providerEdge, fmt.Errorf("%s: %w", op, err))
}

// edgeAudioPayload extracts audio from a binary frame: a big-endian uint16
// header length, the header, then the audio bytes.
func edgeAudioPayload(frame []byte) ([]byte, bool) {
	if len(frame) < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(frame[:2]))
	if len(frame) < 2+n {
		return nil, false
	}
	if !bytes.Contains(frame[2:2+n], []byte("Path:audio")) {
		return nil, false
	}
	return frame[2+n:], true
}

// voiceLocale returns the locale prefix of a voice name such as "en-US-EricNeural".
func voiceLocale(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 3 {
		return "en-US"
	}
	return parts[0] + "-" + parts[1]
}

// Verify Edge implements Provider at compile time.
var _ Provider = (*Edge)(nil)
