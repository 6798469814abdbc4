package cdpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"pkt.systems/pslog"

	"pkt.systems/cdpreplay/core"
	"pkt.systems/cdpreplay/schema"
)

// ErrDetached is returned by calls on a closed or detached session.
var ErrDetached = errors.New("debugger session closed")

const detachTimeout = 2 * time.Second

type debugger struct {
	client    *Client
	tabID     schema.TabID
	sessionID target.SessionID
	ctx       context.Context
	cancel    context.CancelFunc
	events    core.EventHandler
	log       pslog.Logger

	mu     sync.Mutex
	closed bool
	lost   bool
}

var _ core.Debugger = (*debugger)(nil)

func (d *debugger) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// exec binds ctx to this session's target executor. The returned context is
// also cancelled when the session goes away.
func (d *debugger) exec(ctx context.Context) context.Context {
	tc := chromedp.FromContext(d.ctx)
	if tc == nil || tc.Target == nil {
		return ctx
	}
	return cdp.WithExecutor(ctx, tc.Target)
}

func (d *debugger) call(ctx context.Context, fn func(context.Context) error) error {
	d.mu.Lock()
	if d.closed || d.lost {
		d.mu.Unlock()
		return ErrDetached
	}
	d.mu.Unlock()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()
	if err := fn(d.exec(callCtx)); err != nil {
		if d.ctx.Err() != nil && ctx.Err() == nil {
			return ErrDetached
		}
		return err
	}
	return nil
}

func (d *debugger) Evaluate(ctx context.Context, expr string, contextID core.ContextID, out any) error {
	return d.call(ctx, func(ctx context.Context) error {
		params := runtime.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(true)
		if contextID != 0 {
			params = params.WithContextID(runtime.ExecutionContextID(contextID))
		}
		res, exc, err := params.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		return decodeValue(res, out)
	})
}

func (d *debugger) EvaluateHandle(ctx context.Context, expr string, contextID core.ContextID) (core.ObjectID, error) {
	var id core.ObjectID
	err := d.call(ctx, func(ctx context.Context) error {
		params := runtime.Evaluate(expr)
		if contextID != 0 {
			params = params.WithContextID(runtime.ExecutionContextID(contextID))
		}
		res, exc, err := params.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		if res != nil {
			id = core.ObjectID(res.ObjectID)
		}
		return nil
	})
	return id, err
}

func (d *debugger) CallFunctionOn(ctx context.Context, obj core.ObjectID, fn string, out any, args ...any) error {
	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("encode argument: %w", err)
		}
		callArgs = append(callArgs, &runtime.CallArgument{Value: jsontext.Value(raw)})
	}
	return d.call(ctx, func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(runtime.RemoteObjectID(obj)).
			WithArguments(callArgs).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exceptionError(exc)
		}
		return decodeValue(res, out)
	})
}

func (d *debugger) QuerySelector(ctx context.Context, css string) (core.ObjectID, error) {
	var id core.ObjectID
	err := d.call(ctx, func(ctx context.Context) error {
		root, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		nodeID, err := dom.QuerySelector(root.NodeID, css).Do(ctx)
		if err != nil {
			return err
		}
		if nodeID == 0 {
			return nil
		}
		obj, err := dom.ResolveNode().WithNodeID(nodeID).Do(ctx)
		if err != nil {
			return err
		}
		if obj != nil {
			id = core.ObjectID(obj.ObjectID)
		}
		return nil
	})
	return id, err
}

func (d *debugger) ReleaseObject(ctx context.Context, obj core.ObjectID) error {
	if obj == "" {
		return nil
	}
	return d.call(ctx, func(ctx context.Context) error {
		return runtime.ReleaseObject(runtime.RemoteObjectID(obj)).Do(ctx)
	})
}

func (d *debugger) DispatchMouse(ctx context.Context, ev core.MouseEvent) error {
	params := input.DispatchMouseEvent(input.MouseType(ev.Type), ev.X, ev.Y).
		WithModifiers(input.Modifier(ev.Modifiers))
	if ev.Button != "" {
		params = params.WithButton(input.MouseButton(ev.Button))
	}
	if ev.ClickCount > 0 {
		params = params.WithClickCount(ev.ClickCount)
	}
	if ev.Type == core.MouseWheel {
		params = params.WithDeltaX(ev.DeltaX).WithDeltaY(ev.DeltaY)
	}
	return d.call(ctx, params.Do)
}

func (d *debugger) DispatchKey(ctx context.Context, ev core.KeyEvent) error {
	return d.call(ctx, keyEvent(ev).Do)
}

func (d *debugger) InsertText(ctx context.Context, text string) error {
	return d.call(ctx, input.InsertText(text).Do)
}

type navigateResult struct {
	FrameID   string `json:"frameId"`
	ErrorText string `json:"errorText"`
}

func (d *debugger) Navigate(ctx context.Context, url string) error {
	return d.call(ctx, func(ctx context.Context) error {
		var res navigateResult
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
		}
		return nil
	})
}

func (d *debugger) FrameTree(ctx context.Context) (core.Frame, error) {
	var frame core.Frame
	err := d.call(ctx, func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		frame = convertFrameTree(tree)
		return nil
	})
	return frame, err
}

func convertFrameTree(tree *page.FrameTree) core.Frame {
	if tree == nil {
		return core.Frame{}
	}
	var out core.Frame
	if tree.Frame != nil {
		out.ID = string(tree.Frame.ID)
		out.URL = tree.Frame.URL
	}
	for _, child := range tree.ChildFrames {
		out.Children = append(out.Children, convertFrameTree(child))
	}
	return out
}

func (d *debugger) SetViewport(ctx context.Context, vp core.Viewport) error {
	scale := vp.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	orientation := &emulation.ScreenOrientation{Type: emulation.OrientationTypePortraitPrimary, Angle: 0}
	if vp.Landscape {
		orientation = &emulation.ScreenOrientation{Type: emulation.OrientationTypeLandscapePrimary, Angle: 90}
	}
	return d.call(ctx, func(ctx context.Context) error {
		if err := emulation.SetDeviceMetricsOverride(vp.Width, vp.Height, scale, vp.Mobile).
			WithScreenOrientation(orientation).
			Do(ctx); err != nil {
			return err
		}
		return emulation.SetTouchEmulationEnabled(vp.Touch).Do(ctx)
	})
}

// Close detaches from the tab. Clearing the chromedp target before the
// cancel keeps chromedp from closing the page.
func (d *debugger) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	lost := d.lost
	d.mu.Unlock()
	defer d.client.forget(d)

	tc := chromedp.FromContext(d.ctx)
	var err error
	if tc != nil && tc.Target != nil {
		if !lost && tc.Browser != nil {
			ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
			err = target.DetachFromTarget().WithSessionID(tc.Target.SessionID).Do(cdp.WithExecutor(ctx, tc.Browser))
			cancel()
		}
		tc.Target = nil
	}
	d.cancel()
	if err != nil {
		d.log.Debug("detach failed", "error", err)
	}
	return nil
}

func decodeValue(res *runtime.RemoteObject, out any) error {
	if out == nil || res == nil || len(res.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func exceptionError(exc *runtime.ExceptionDetails) error {
	msg := exc.Text
	if exc.Exception != nil && exc.Exception.Description != "" {
		msg = exc.Exception.Description
	}
	return fmt.Errorf("javascript exception: %s", msg)
}
