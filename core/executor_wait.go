package core

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/cdpreplay/schema"
)

type pageState struct {
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
	Host       string `json:"host"`
}

func (e *executor) pageState(ctx context.Context, d Debugger) (pageState, error) {
	var st pageState
	err := d.Evaluate(ctx, callExpr(pageStateScript), 0, &st)
	return st, err
}

func (e *executor) navigate(ctx context.Context, env *stepEnv, step schema.Step) error {
	if step.URL == "" {
		return fmt.Errorf("%w: navigate without url", schema.ErrInvalidRequest)
	}
	want := normalizeURL(step.URL)
	// A load toward another URL is settled first and then re-checked once.
	for check := 0; check < 2; check++ {
		st, err := e.pageState(ctx, env.d)
		if err != nil {
			env.log.Debug("replay navigate state unavailable", "err", err)
			break
		}
		current := normalizeURL(st.URL)
		if st.ReadyState != "complete" {
			if err := e.waitReady(ctx, env, false); err != nil {
				return err
			}
			if current == want {
				env.log.Debug("replay navigate joined in-flight load", "url", want)
				return nil
			}
			continue
		}
		if current == want {
			env.log.Info("replay navigate skipped", "url", want)
			return nil
		}
		break
	}
	load := env.sess.loadSignal()
	if err := env.d.Navigate(ctx, step.URL); err != nil {
		return err
	}
	if err := e.softLoadWait(ctx, env, load); err != nil {
		return err
	}
	return sleepCtx(ctx, e.cfg.NavigationSettle)
}

// softLoadWait waits for a load or DOMContentLoaded signal and gives up
// silently at the navigation deadline.
func (e *executor) softLoadWait(ctx context.Context, env *stepEnv, load <-chan struct{}) error {
	timer := time.NewTimer(e.cfg.NavigationTimeout)
	defer timer.Stop()
	select {
	case <-load:
		return nil
	case <-timer.C:
		env.log.Warn("replay load wait timed out", "timeout_ms", e.cfg.NavigationTimeout.Milliseconds())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *executor) waitForPageLoad(ctx context.Context, env *stepEnv) error {
	return e.waitReady(ctx, env, true)
}

// waitReady polls document.readyState until complete, accepting
// interactive after a settle delay. It never fails on timeout. With bypass
// set, never-settle hosts just sleep a fixed duration.
func (e *executor) waitReady(ctx context.Context, env *stepEnv, bypass bool) error {
	deadline := time.Now().Add(e.cfg.NavigationTimeout)
	d := env.d
	for {
		st, err := e.pageState(ctx, d)
		if err == nil {
			if bypass && hostMatches(st.Host, e.cfg.NeverSettleHosts) {
				env.log.Debug("replay page load bypassed", "host", st.Host)
				return sleepCtx(ctx, e.cfg.NeverSettleSleep)
			}
			switch st.ReadyState {
			case "complete":
				return nil
			case "interactive":
				return sleepCtx(ctx, e.cfg.InteractiveSettle)
			}
		} else {
			env.log.Trace("replay ready state poll failed", "err", err)
		}
		if !time.Now().Before(deadline) {
			env.log.Warn("replay page load wait timed out", "timeout_ms", e.cfg.NavigationTimeout.Milliseconds())
			return nil
		}
		if err := sleepCtx(ctx, e.cfg.PageLoadPoll); err != nil {
			return err
		}
		next, err := env.sess.liveDebugger(ctx)
		if err != nil {
			return err
		}
		d = next
	}
}
