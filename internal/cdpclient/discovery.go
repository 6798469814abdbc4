package cdpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-json-experiment/json"
)

type versionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ResolveBrowserURL turns a remote debugging endpoint into the browser
// websocket URL. Browser websocket URLs pass through unchanged; HTTP
// endpoints are resolved through /json/version.
func ResolveBrowserURL(ctx context.Context, client *http.Client, debugURL string) (string, error) {
	raw := strings.TrimSpace(debugURL)
	if raw == "" {
		return "", errors.New("debug url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid debug url %q", debugURL)
	}
	switch parsed.Scheme {
	case "ws", "wss":
		if strings.Contains(parsed.Path, "/devtools/browser/") {
			return raw, nil
		}
		if parsed.Scheme == "ws" {
			parsed.Scheme = "http"
		} else {
			parsed.Scheme = "https"
		}
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported debug url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/json/version"
	parsed.RawQuery = ""

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("browser not reachable at %s: %w", raw, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("browser version endpoint returned %s", resp.Status)
	}
	var info versionInfo
	if err := json.UnmarshalRead(resp.Body, &info); err != nil {
		return "", fmt.Errorf("decode browser version: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", errors.New("empty webSocketDebuggerUrl")
	}
	return rewriteLoopback(info.WebSocketDebuggerURL, parsed), nil
}

// rewriteLoopback points a loopback websocket URL at the host that answered
// the version request, so forwarded ports keep working.
func rewriteLoopback(wsURL string, endpoint *url.URL) string {
	ws, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	host := ws.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return wsURL
	}
	if endpoint.Host == ws.Host {
		return wsURL
	}
	if endpoint.Scheme == "https" {
		ws.Scheme = "wss"
	}
	ws.Host = endpoint.Host
	if endpoint.Port() == "" && ws.Port() != "" {
		ws.Host = net.JoinHostPort(endpoint.Hostname(), ws.Port())
	}
	return ws.String()
}
