package core

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

// executor maps one step onto protocol calls.
type executor struct {
	cfg      schema.EngineConfig
	resolver *resolver
}

func newExecutor(cfg schema.EngineConfig, log pslog.Logger) *executor {
	return &executor{cfg: cfg, resolver: newResolver(cfg, log)}
}

// stepEnv bundles what a handler needs for one step.
type stepEnv struct {
	sess      *session
	d         Debugger
	contextID ContextID
	log       pslog.Logger
}

func (env *stepEnv) release(ctx context.Context, obj ObjectID) {
	if obj == "" {
		return
	}
	if err := env.d.ReleaseObject(context.WithoutCancel(ctx), obj); err != nil {
		env.log.Trace("replay release object failed", "err", err)
	}
}

// mouse dispatches ev with the held modifier keys applied.
func (env *stepEnv) mouse(ctx context.Context, ev MouseEvent) error {
	ev.Modifiers |= env.sess.heldModifiers()
	return env.d.DispatchMouse(ctx, ev)
}

// execute runs one step. Unknown step types are skipped and reported with
// skipped=true.
func (e *executor) execute(ctx context.Context, sess *session, step schema.Step, log pslog.Logger) (skipped bool, err error) {
	if !step.Type.Known() {
		log.Warn("replay step skipped", "reason", schema.ErrUnknownStep, "type", step.Type)
		return true, nil
	}
	if step.Type == schema.StepWait {
		return false, sleepCtx(ctx, millis(step.Duration))
	}
	d, err := sess.liveDebugger(ctx)
	if err != nil {
		return false, err
	}
	contextID, err := sess.contextFor(ctx, d, step.Frame)
	if err != nil {
		return false, err
	}
	env := &stepEnv{sess: sess, d: d, contextID: contextID, log: log}

	switch step.Type {
	case schema.StepNavigate:
		return false, e.navigate(ctx, env, step)
	case schema.StepClick:
		return false, e.click(ctx, env, step, false)
	case schema.StepDoubleClick:
		return false, e.click(ctx, env, step, true)
	case schema.StepHover:
		return false, e.hover(ctx, env, step)
	case schema.StepChange:
		return false, e.change(ctx, env, step)
	case schema.StepSelectOption:
		return false, e.selectOption(ctx, env, step)
	case schema.StepKeyDown:
		return false, e.key(ctx, env, step, KeyDown)
	case schema.StepKeyUp:
		return false, e.key(ctx, env, step, KeyUp)
	case schema.StepWaitForElement:
		return false, e.waitForElement(ctx, env, step)
	case schema.StepWaitForPageLoad:
		return false, e.waitForPageLoad(ctx, env)
	case schema.StepScroll:
		return false, e.scroll(ctx, env, step)
	case schema.StepCopy:
		return false, e.copy(ctx, env, step)
	case schema.StepPaste:
		return false, e.paste(ctx, env, step, sess.clipboardValue)
	case schema.StepPasteVariable:
		return false, e.paste(ctx, env, step, sess.variable)
	case schema.StepSaveVariable:
		return false, e.saveVariable(ctx, env, step)
	case schema.StepSetViewport:
		return false, e.setViewport(ctx, env, step)
	default:
		log.Warn("replay step skipped", "reason", schema.ErrUnknownStep, "type", step.Type)
		return true, nil
	}
}

func (e *executor) waitForElement(ctx context.Context, env *stepEnv, step schema.Step) error {
	timeout := e.cfg.ElementTimeout
	if step.Timeout > 0 {
		timeout = millis(step.Timeout)
	}
	el, err := e.resolver.wait(ctx, env.d, step.Candidates(), env.contextID, timeout)
	if err != nil {
		return err
	}
	env.release(ctx, el.Object)
	return nil
}

func (e *executor) setViewport(ctx context.Context, env *stepEnv, step schema.Step) error {
	if step.Width <= 0 || step.Height <= 0 {
		return fmt.Errorf("%w: viewport needs width and height", schema.ErrInvalidRequest)
	}
	scale := step.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	return env.d.SetViewport(ctx, Viewport{
		Width:             step.Width,
		Height:            step.Height,
		DeviceScaleFactor: scale,
		Mobile:            step.IsMobile,
		Touch:             step.HasTouch,
		Landscape:         step.IsLandscape,
	})
}

// bestEffort runs a side call whose failure never fails the step.
func bestEffort(env *stepEnv, what string, err error) {
	if err != nil {
		env.log.Debug("replay best-effort call failed", "call", what, "err", err)
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
