package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// Element is a resolved element and its viewport geometry. The caller owns
// Object and releases it when done.
type Element struct {
	X, Y          float64
	Width, Height float64
	Object        ObjectID
	Selector      string
}

// Center returns the middle of the element box.
func (e Element) Center() (float64, float64) {
	return e.X + e.Width/2, e.Y + e.Height/2
}

type rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type resolver struct {
	interval time.Duration
	log      pslog.Logger
}

func newResolver(cfg schema.EngineConfig, log pslog.Logger) *resolver {
	return &resolver{interval: cfg.PollInterval, log: log}
}

// sweep is the outcome of one pass over every candidate in both tiers.
type sweep struct {
	element  *Element
	tried    []string
	attempts int
	failures int
	lastErr  error
}

// allFailed reports whether every attempt raised a protocol error, which
// points at a lost session rather than a missing element.
func (s sweep) allFailed() bool {
	return s.attempts > 0 && s.failures == s.attempts
}

func (s *sweep) fail(err error) {
	s.failures++
	s.lastErr = err
}

func (r *resolver) scan(ctx context.Context, d Debugger, candidates []string, contextID ContextID) sweep {
	var res sweep
	for _, candidate := range candidates {
		res.tried = append(res.tried, candidate)
		res.attempts++
		obj, err := d.EvaluateHandle(ctx, callExpr(findElementScript, candidate), contextID)
		if err != nil {
			res.fail(err)
			continue
		}
		if obj == "" {
			continue
		}
		el, err := r.measure(ctx, d, obj, candidate)
		if err != nil {
			res.fail(err)
			continue
		}
		res.element = &el
		return res
	}
	// Native tier only covers the main document.
	if contextID != 0 {
		return res
	}
	for _, candidate := range candidates {
		css, ok := nativeCSS(candidate)
		if !ok {
			continue
		}
		res.attempts++
		obj, err := d.QuerySelector(ctx, css)
		if err != nil {
			res.fail(err)
			continue
		}
		if obj == "" {
			continue
		}
		el, err := r.measure(ctx, d, obj, candidate)
		if err != nil {
			res.fail(err)
			continue
		}
		r.log.Debug("replay selector resolved natively", "selector", candidate)
		res.element = &el
		return res
	}
	return res
}

func (r *resolver) measure(ctx context.Context, d Debugger, obj ObjectID, selector string) (Element, error) {
	var box rect
	if err := d.CallFunctionOn(ctx, obj, rectScript, &box); err != nil {
		_ = d.ReleaseObject(ctx, obj)
		return Element{}, err
	}
	return Element{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height, Object: obj, Selector: selector}, nil
}

// resolve makes a single pass over the candidates.
func (r *resolver) resolve(ctx context.Context, d Debugger, candidates []string, contextID ContextID) (Element, error) {
	if len(candidates) == 0 {
		return Element{}, fmt.Errorf("%w: step has no selectors", schema.ErrInvalidRequest)
	}
	res := r.scan(ctx, d, candidates, contextID)
	if res.element != nil {
		return *res.element, nil
	}
	if res.allFailed() {
		return Element{}, res.lastErr
	}
	return Element{}, &ElementNotFoundError{Candidates: res.tried}
}

// wait polls until an element resolves or timeout passes. Polls happen at
// start+k*interval for k = 0..floor(timeout/interval). Two consecutive
// passes where every attempt errored end the wait early.
func (r *resolver) wait(ctx context.Context, d Debugger, candidates []string, contextID ContextID, timeout time.Duration) (Element, error) {
	if len(candidates) == 0 {
		return Element{}, fmt.Errorf("%w: step has no selectors", schema.ErrInvalidRequest)
	}
	interval := r.interval
	if interval <= 0 || interval > timeout {
		interval = timeout
	}
	maxPolls := 1
	if interval > 0 {
		maxPolls = int(timeout/interval) + 1
	}
	start := time.Now()
	failedRuns := 0
	var last sweep
	for poll := 1; ; poll++ {
		last = r.scan(ctx, d, candidates, contextID)
		if last.element != nil {
			r.log.Debug("replay selector found", "selector", last.element.Selector, "polls", poll)
			return *last.element, nil
		}
		if last.allFailed() {
			failedRuns++
			if failedRuns >= 2 {
				r.log.Debug("replay selector wait failing fast", "err", last.lastErr, "polls", poll)
				return Element{}, timeoutError(last.lastErr)
			}
		} else {
			failedRuns = 0
		}
		if poll >= maxPolls {
			break
		}
		if err := sleepUntil(ctx, start.Add(time.Duration(poll)*interval)); err != nil {
			return Element{}, err
		}
	}
	return Element{}, timeoutError(&ElementNotFoundError{Candidates: last.tried})
}

// nativeCSS returns the candidate as a plain CSS selector when it has no
// strategy prefix.
func nativeCSS(candidate string) (string, bool) {
	for _, prefix := range []string{"aria/", "xpath/", "pierce/", "text/"} {
		if strings.HasPrefix(candidate, prefix) {
			return "", false
		}
	}
	if strings.Contains(candidate, ">>>") {
		return "", false
	}
	css := strings.TrimSpace(candidate)
	return css, css != ""
}

func sleepUntil(ctx context.Context, at time.Time) error {
	return sleepCtx(ctx, time.Until(at))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
