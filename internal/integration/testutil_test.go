package integration_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"

	"pkt.systems/cdpreplay/core"
	"pkt.systems/cdpreplay/internal/cdpclient"
	"pkt.systems/cdpreplay/internal/eventbus"
	"pkt.systems/cdpreplay/internal/persist"
	"pkt.systems/cdpreplay/schema"
)

const formPage = `<!doctype html>
<html>
<head><title>Order</title></head>
<body>
  <label>Name <input id="name" aria-label="Name"></label>
  <select id="color">
    <option value="red">Red</option>
    <option value="blue">Blue</option>
  </select>
  <button id="go" onclick="submitOrder()">Order</button>
  <script>
    function submitOrder() {
      const name = document.querySelector('#name').value;
      const color = document.querySelector('#color').value;
      if (name !== 'alice' || color !== 'blue') {
        return;
      }
      const out = document.createElement('div');
      out.id = 'result';
      out.textContent = name + ' ordered ' + color;
      document.body.appendChild(out);
    }
  </script>
</body>
</html>`

// chromeCandidates are the binary names tried when CDPREPLAY_CHROME is unset.
var chromeCandidates = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
}

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

func findChrome(t *testing.T) string {
	t.Helper()
	if path := strings.TrimSpace(os.Getenv("CDPREPLAY_CHROME")); path != "" {
		return path
	}
	for _, name := range chromeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("chrome not available")
	return ""
}

// browserEnv is a headless Chrome driven through cdpclient, plus a replay
// service bound to it.
type browserEnv struct {
	client  *cdpclient.Client
	store   *persist.Store
	service core.Service
	bus     *eventbus.Bus
	site    *httptest.Server
	tab     schema.TabID
}

func newBrowserEnv(t *testing.T, cfg schema.EngineConfig) *browserEnv {
	t.Helper()
	requireLong(t)
	chrome := findChrome(t)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(formPage))
	}))
	t.Cleanup(site.Close)

	profile := t.TempDir()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chrome),
		chromedp.UserDataDir(profile),
		chromedp.NoSandbox,
		chromedp.Headless,
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	t.Cleanup(allocCancel)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	t.Cleanup(browserCancel)
	if err := chromedp.Run(browserCtx); err != nil {
		t.Fatalf("start chrome: %v", err)
	}
	debugURL := waitDevToolsPort(t, profile)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := cdpclient.Dial(ctx, cdpclient.Config{DebugURL: debugURL})
	if err != nil {
		t.Fatalf("dial %s: %v", debugURL, err)
	}
	t.Cleanup(func() { _ = client.Close() })

	tabs, err := client.Tabs(ctx)
	if err != nil {
		t.Fatalf("tabs: %v", err)
	}
	if len(tabs) == 0 {
		t.Fatalf("expected a page target")
	}

	store, err := persist.NewStore(persist.Options{
		RecordingsDir: filepath.Join(t.TempDir(), "recordings"),
		RunsDir:       filepath.Join(t.TempDir(), "runs"),
		MaxRuns:       10,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bus := eventbus.New(nil)
	service, err := core.NewService(cfg, core.ServiceDeps{Browser: client, Store: store, EventSink: bus})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = service.Shutdown(shutdownCtx)
	})
	return &browserEnv{
		client:  client,
		store:   store,
		service: service,
		bus:     bus,
		site:    site,
		tab:     tabs[0].ID,
	}
}

// waitDevToolsPort reads the endpoint Chrome writes into its profile once
// remote debugging is listening.
func waitDevToolsPort(t *testing.T, profile string) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		data, err := os.ReadFile(filepath.Join(profile, "DevToolsActivePort"))
		if err == nil {
			port, _, _ := strings.Cut(string(data), "\n")
			if port = strings.TrimSpace(port); port != "" {
				return "http://127.0.0.1:" + port
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("chrome did not report a devtools port: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func fastEngine() schema.EngineConfig {
	return schema.EngineConfig{
		ElementTimeout:    3 * time.Second,
		PollInterval:      100 * time.Millisecond,
		NavigationTimeout: 10 * time.Second,
		NavigationSettle:  100 * time.Millisecond,
		InteractiveSettle: 100 * time.Millisecond,
		InterStepDelay:    10 * time.Millisecond,
	}
}

func sel(values ...string) []schema.SelectorGroup {
	out := make([]schema.SelectorGroup, 0, len(values))
	for _, v := range values {
		out = append(out, schema.SelectorGroup{v})
	}
	return out
}
