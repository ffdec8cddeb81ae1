// Package transport implements the Upstream Transport (spec §4.3): a single
// POST-then-SSE-decode call against the upstream's binary-framed multi-agent
// endpoint, fronted by a Chrome-fingerprinted TLS connection so the gateway's
// outbound handshake matches the native desktop client it impersonates.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/wireschema"
	"golang.org/x/net/http2"
)

// ClientMeta is the upstream client identity sent on every call.
type ClientMeta struct {
	ClientVersion string
	OSCategory    string
	OSName        string
	OSVersion     string
}

// Outcome is the Send contract's result shape (spec §4.3).
type Outcome struct {
	OK             bool
	StatusCode     int
	Error          string
	Text           string
	ConversationID string
	TaskID         string
	EventsCount    int
	ParsedEvents   []ParsedEvent
	ToolCalls      []wireschema.ToolCallDelta
}

// ParsedEvent is one committed SSE frame, classified.
type ParsedEvent struct {
	Number int
	Type   wireschema.EventType
	Event  wireschema.ResponseEvent
}

// Manager owns the shared HTTP transport (utls + optional configured proxy)
// used for every upstream call, and the account-agnostic http.Client handed
// out via ClientFor (the refresh.TransportProvider seam).
type Manager struct {
	host     string
	path     string
	proxyURL string
	timeout  time.Duration

	mu     sync.Mutex
	client *http.Client
}

// NewManager builds a Manager from config. The round tripper is built lazily
// on first use so a bad WARP_PROXY_URL surfaces at call time, not at boot.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		host:     cfg.UpstreamHost,
		path:     cfg.UpstreamPath,
		proxyURL: cfg.ProxyURL,
		timeout:  cfg.UpstreamTimeout(),
	}
}

// ClientFor satisfies refresh.TransportProvider; the gateway has no
// per-account egress configuration (spec §3's Account has no proxy field),
// so every account shares the same client.
func (m *Manager) ClientFor(accountID string) *http.Client {
	return m.sharedClient()
}

func (m *Manager) sharedClient() *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		m.client = &http.Client{Transport: buildRoundTripper(m.proxyURL), Timeout: m.timeout}
	}
	return m.client
}

// Close releases pooled connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		if t, ok := m.client.Transport.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
	}
}

func buildRoundTripper(proxyURL string) http.RoundTripper {
	if proxyURL != "" {
		dial, err := proxyDialer(proxyURL)
		if err == nil {
			return &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     5 * time.Minute,
				DialTLSContext:      dial,
			}
		}
	}
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

// Send performs one upstream call: POST the encoded body, read the response
// as SSE, decode each committed frame, and accumulate the Outcome. On
// non-200 it returns the response body (bounded) in Error. It never returns a
// Go error itself — transport failures are folded into Outcome.OK=false,
// StatusCode=0, matching the Runtime Evaluator's HTTP-0-is-transport-failure
// convention (spec §4.4).
func (m *Manager) Send(ctx context.Context, body []byte, accessToken string, timeout time.Duration, meta ClientMeta) Outcome {
	if timeout <= 0 {
		timeout = m.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("https://%s%s", m.host, m.path)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{OK: false, StatusCode: 0, Error: err.Error()}
	}
	req.Header.Set("x-warp-client-id", "warp-app")
	req.Header.Set("x-warp-client-version", meta.ClientVersion)
	req.Header.Set("x-warp-os-category", meta.OSCategory)
	req.Header.Set("x-warp-os-name", meta.OSName)
	req.Header.Set("x-warp-os-version", meta.OSVersion)
	req.Header.Set("content-type", "application/x-protobuf")
	req.Header.Set("accept", "text/event-stream")
	req.Header.Set("accept-encoding", "identity")
	req.Header.Set("authorization", "Bearer "+accessToken)

	resp, err := m.sharedClient().Do(req)
	if err != nil {
		if callCtx.Err() != nil {
			return Outcome{OK: false, StatusCode: 0, Error: "timeout: " + err.Error()}
		}
		return Outcome{OK: false, StatusCode: 0, Error: "request error: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Outcome{OK: false, StatusCode: resp.StatusCode, Error: string(errBody)}
	}

	return m.consumeSSE(resp.Body)
}

func (m *Manager) consumeSSE(body io.Reader) Outcome {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	out := Outcome{OK: true, StatusCode: 200}
	var dataBuf strings.Builder

	commit := func() {
		payload := dataBuf.String()
		dataBuf.Reset()
		if payload == "" {
			return
		}
		raw, ok := decodeSSEPayload(payload)
		if !ok {
			return
		}
		ev, err := wireschema.DecodeResponseEvent(raw)
		if err != nil {
			return
		}
		out.EventsCount++
		out.ParsedEvents = append(out.ParsedEvents, ParsedEvent{Number: out.EventsCount, Type: ev.Type, Event: ev})
		if ev.Type == wireschema.EventInit {
			if ev.ConversationID != "" {
				out.ConversationID = ev.ConversationID
			}
			if ev.TaskID != "" {
				out.TaskID = ev.TaskID
			}
		}
		out.Text += ev.Text
		out.ToolCalls = append(out.ToolCalls, ev.ToolCalls...)
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "data:"):
			dataBuf.WriteString(strings.TrimSpace(line[len("data:"):]))
		case line == "":
			if dataBuf.Len() > 0 {
				commit()
				if isFinished(out) {
					return out
				}
			}
		}
	}
	// A wall-clock timeout or EOF ends the stream; whatever was collected is
	// returned as a successful partial result (spec §4.3: partial over total
	// loss). A scanner error here means the connection dropped mid-frame,
	// which is the same "accept what we have" case.
	return out
}

func isFinished(out Outcome) bool {
	if len(out.ParsedEvents) == 0 {
		return false
	}
	return out.ParsedEvents[len(out.ParsedEvents)-1].Type == wireschema.EventFinished
}

// decodeSSEPayload base64-decodes a committed SSE payload, trying URL-safe
// first (the upstream's actual alphabet) then standard, with forgiving
// padding either way.
func decodeSSEPayload(payload string) ([]byte, bool) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, false
	}
	padded := payload
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	if b, err := base64.URLEncoding.DecodeString(padded); err == nil {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(padded); err == nil {
		return b, true
	}
	return nil, false
}
