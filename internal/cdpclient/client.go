// Package cdpclient drives a running Chromium over the DevTools protocol.
// It implements core.Browser and core.Debugger on top of chromedp.
package cdpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/go-json-experiment/json"
	"pkt.systems/pslog"

	"pkt.systems/cdpreplay/core"
	"pkt.systems/cdpreplay/schema"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("browser connection closed")

// Config configures a Client.
type Config struct {
	// DebugURL is the remote debugging endpoint, either http(s)://host:port
	// or a ws(s) browser URL.
	DebugURL   string
	HTTPClient *http.Client
	Logger     pslog.Logger
}

// Client is a connection to one browser.
type Client struct {
	log pslog.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	open   map[*debugger]struct{}
	closed bool
}

var _ core.Browser = (*Client)(nil)

// Dial resolves the browser endpoint and connects to it.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	wsURL, err := ResolveBrowserURL(ctx, cfg.HTTPClient, cfg.DebugURL)
	if err != nil {
		return nil, err
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL, chromedp.NoModifyURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	c := &Client{
		log:           log.With("browser", wsURL),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		open:          make(map[*debugger]struct{}),
	}

	// Targets connects the browser without attaching to any page.
	if _, err := chromedp.Targets(browserCtx); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if err := target.SetDiscoverTargets(true).Do(c.browserExec(ctx)); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("discover targets: %w", err)
	}
	c.log.Info("browser connected")
	return c, nil
}

func (c *Client) browserExec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(c.browserCtx).Browser)
}

// Close detaches all open sessions and drops the browser connection. Tabs
// stay open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make([]*debugger, 0, len(c.open))
	for d := range c.open {
		open = append(open, d)
	}
	c.mu.Unlock()
	for _, d := range open {
		_ = d.Close()
	}
	c.shutdown()
	c.log.Info("browser disconnected")
	return nil
}

func (c *Client) shutdown() {
	c.browserCancel()
	c.allocCancel()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Tabs lists page targets.
func (c *Client) Tabs(ctx context.Context) ([]schema.TabInfo, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	infos, err := target.GetTargets().Do(c.browserExec(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	tabs := make([]schema.TabInfo, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		tabs = append(tabs, tabFromInfo(info))
	}
	return tabs, nil
}

// Tab returns one page target.
func (c *Client) Tab(ctx context.Context, id schema.TabID) (schema.TabInfo, error) {
	tabs, err := c.Tabs(ctx)
	if err != nil {
		return schema.TabInfo{}, err
	}
	for _, tab := range tabs {
		if tab.ID == id {
			return tab, nil
		}
	}
	return schema.TabInfo{}, fmt.Errorf("tab %s: %w", id, schema.ErrTabNotFound)
}

func tabFromInfo(info *target.Info) schema.TabInfo {
	return schema.TabInfo{
		ID:       schema.TabID(info.TargetID),
		Type:     info.Type,
		Title:    info.Title,
		URL:      info.URL,
		Attached: info.Attached,
	}
}

// Blank loads about:blank into the tab through a short-lived session.
func (c *Client) Blank(ctx context.Context, id schema.TabID) error {
	d, err := c.Attach(ctx, id, nil)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Navigate(ctx, "about:blank")
}

// Attach opens a session on the tab. events receives page notifications
// until the session is closed.
func (c *Client) Attach(ctx context.Context, id schema.TabID, events core.EventHandler) (core.Debugger, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if _, err := c.Tab(ctx, id); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(target.ID(id)))
	d := &debugger{
		client: c,
		tabID:  id,
		ctx:    tabCtx,
		cancel: cancel,
		events: events,
		log:    c.log.With("tab", string(id)),
	}
	chromedp.ListenTarget(tabCtx, d.onTargetEvent)

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()
	select {
	case err := <-done:
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("attach tab %s: %w", id, err)
		}
	case <-ctx.Done():
		go func() {
			<-done
			_ = d.Close()
		}()
		return nil, fmt.Errorf("attach tab %s: %w", id, ctx.Err())
	}

	tc := chromedp.FromContext(tabCtx).Target
	d.sessionID = tc.SessionID
	chromedp.ListenBrowser(tabCtx, d.onBrowserEvent)
	if err := runtime.Enable().Do(d.exec(ctx)); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if err := page.Enable().Do(d.exec(ctx)); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("enable page: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = d.Close()
		return nil, ErrClosed
	}
	c.open[d] = struct{}{}
	c.mu.Unlock()
	d.log.Debug("tab attached", "session", string(d.sessionID))
	return d, nil
}

func (c *Client) forget(d *debugger) {
	c.mu.Lock()
	delete(c.open, d)
	c.mu.Unlock()
}

// WatchTab streams target info changes for the tab until ctx is done.
func (c *Client) WatchTab(ctx context.Context, id schema.TabID) (<-chan schema.TabInfo, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	listenCtx, cancel := context.WithCancel(c.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	out := make(chan schema.TabInfo, 8)
	var mu sync.Mutex
	closed := false
	chromedp.ListenBrowser(listenCtx, func(ev any) {
		changed, ok := ev.(*target.EventTargetInfoChanged)
		if !ok || changed.TargetInfo == nil || schema.TabID(changed.TargetInfo.TargetID) != id {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- tabFromInfo(changed.TargetInfo):
		default:
		}
	})
	go func() {
		<-listenCtx.Done()
		stop()
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

type auxData struct {
	FrameID   string `json:"frameId"`
	IsDefault bool   `json:"isDefault"`
}

func (d *debugger) onTargetEvent(ev any) {
	if d.events == nil {
		return
	}
	switch ev := ev.(type) {
	case *runtime.EventExecutionContextCreated:
		if ev.Context == nil {
			return
		}
		var aux auxData
		if len(ev.Context.AuxData) > 0 {
			if err := json.Unmarshal(ev.Context.AuxData, &aux); err != nil {
				d.log.Trace("context aux data", "error", err)
			}
		}
		d.emit(core.SessionEvent{
			Kind:      core.EventContextCreated,
			ContextID: core.ContextID(ev.Context.ID),
			FrameID:   aux.FrameID,
			IsDefault: aux.IsDefault,
		})
	case *runtime.EventExecutionContextsCleared:
		d.emit(core.SessionEvent{Kind: core.EventContextsCleared})
	case *page.EventLoadEventFired:
		d.emit(core.SessionEvent{Kind: core.EventLoad})
	case *page.EventDomContentEventFired:
		d.emit(core.SessionEvent{Kind: core.EventDOMContentLoaded})
	case *inspector.EventDetached:
		d.detached(string(ev.Reason))
	}
}

func (d *debugger) onBrowserEvent(ev any) {
	switch ev := ev.(type) {
	case *target.EventDetachedFromTarget:
		if ev.SessionID == d.sessionID {
			d.detached("target_detached")
		}
	case *target.EventTargetDestroyed:
		if schema.TabID(ev.TargetID) == d.tabID {
			d.detached("target_closed")
		}
	}
}

func (d *debugger) emit(ev core.SessionEvent) {
	if d.isClosed() {
		return
	}
	d.events(ev)
}

func (d *debugger) detached(reason string) {
	d.mu.Lock()
	if d.closed || d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	d.mu.Unlock()
	d.log.Info("tab detached", "reason", reason)
	if d.events != nil {
		d.events(core.SessionEvent{Kind: core.EventDetached, Reason: reason})
	}
}

