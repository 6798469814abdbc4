package core

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/cdpreplay/schema"
)

// freshRect re-measures an element after scrolling.
func (e *executor) freshRect(ctx context.Context, env *stepEnv, el Element) (Element, error) {
	var box rect
	if err := env.d.CallFunctionOn(ctx, el.Object, rectScript, &box); err != nil {
		return Element{}, err
	}
	el.X, el.Y, el.Width, el.Height = box.X, box.Y, box.Width, box.Height
	return el, nil
}

// target resolves the step element, scrolls it into view and re-measures it.
func (e *executor) target(ctx context.Context, env *stepEnv, step schema.Step) (Element, error) {
	el, err := e.resolver.resolve(ctx, env.d, step.Candidates(), env.contextID)
	if err != nil {
		return Element{}, err
	}
	if err := env.d.CallFunctionOn(ctx, el.Object, scrollIntoViewScript, nil); err != nil {
		env.release(ctx, el.Object)
		return Element{}, err
	}
	fresh, err := e.freshRect(ctx, env, el)
	if err != nil {
		env.release(ctx, el.Object)
		return Element{}, err
	}
	return fresh, nil
}

func clickPoint(el Element, step schema.Step) (float64, float64) {
	x, y := el.Center()
	if step.OffsetX != nil {
		x = el.X + *step.OffsetX
	}
	if step.OffsetY != nil {
		y = el.Y + *step.OffsetY
	}
	return x, y
}

func mouseButton(name string) MouseButton {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "primary", "left":
		return ButtonLeft
	case "auxiliary", "middle":
		return ButtonMiddle
	case "secondary", "right":
		return ButtonRight
	case "back":
		return ButtonBack
	case "forward":
		return ButtonForward
	default:
		return ButtonLeft
	}
}

func (e *executor) click(ctx context.Context, env *stepEnv, step schema.Step, double bool) error {
	el, err := e.target(ctx, env, step)
	if err != nil {
		return err
	}
	defer env.release(ctx, el.Object)

	x, y := clickPoint(el, step)
	button := mouseButton(step.Button)
	var load <-chan struct{}
	if step.IsNavigation() {
		load = env.sess.loadSignal()
	}

	if err := env.mouse(ctx, MouseEvent{Type: MouseMoved, X: x, Y: y, Button: ButtonNone}); err != nil {
		return err
	}
	if err := sleepCtx(ctx, e.cfg.HoverSettle); err != nil {
		return err
	}
	if err := env.d.CallFunctionOn(ctx, el.Object, focusScript, nil); err != nil {
		return err
	}
	bestEffort(env, "click watch", env.d.CallFunctionOn(ctx, el.Object, clickWatchScript, nil))
	clicks := int64(1)
	if double {
		clicks = 2
	}
	for count := int64(1); count <= clicks; count++ {
		if err := env.mouse(ctx, MouseEvent{Type: MousePressed, X: x, Y: y, Button: button, ClickCount: count}); err != nil {
			return err
		}
		if err := env.mouse(ctx, MouseEvent{Type: MouseReleased, X: x, Y: y, Button: button, ClickCount: count}); err != nil {
			return err
		}
	}
	// Input emulation normally produces click and dblclick itself. They are
	// synthesized only when no trusted click reached the element.
	types := []string{"mouseover", "mousedown", "mouseup"}
	observed := true
	if err := env.d.CallFunctionOn(ctx, el.Object, clickWatchResultScript, &observed); err != nil {
		bestEffort(env, "click watch result", err)
		observed = true
	}
	if !observed {
		env.log.Debug("replay trusted click not observed, dispatching synthetic click")
		types = append(types, "click")
		if double {
			types = append(types, "dblclick")
		}
	}
	bestEffort(env, "synthetic mouse", env.d.CallFunctionOn(ctx, el.Object, syntheticMouseScript, nil, types, x, y, clicks))

	if load != nil {
		return e.softLoadWait(ctx, env, load)
	}
	return nil
}

func (e *executor) hover(ctx context.Context, env *stepEnv, step schema.Step) error {
	el, err := e.target(ctx, env, step)
	if err != nil {
		return err
	}
	defer env.release(ctx, el.Object)
	x, y := clickPoint(el, step)
	if err := env.mouse(ctx, MouseEvent{Type: MouseMoved, X: x, Y: y, Button: ButtonNone}); err != nil {
		return err
	}
	types := []string{"mouseover", "mouseenter", "mousemove"}
	bestEffort(env, "synthetic hover", env.d.CallFunctionOn(ctx, el.Object, syntheticMouseScript, nil, types, x, y, 0))
	return sleepCtx(ctx, e.cfg.HoverSettle)
}

func (e *executor) change(ctx context.Context, env *stepEnv, step schema.Step) error {
	el, err := e.resolver.resolve(ctx, env.d, step.Candidates(), env.contextID)
	if err != nil {
		return err
	}
	defer env.release(ctx, el.Object)

	var tag string
	if err := env.d.CallFunctionOn(ctx, el.Object, tagNameScript, &tag); err != nil {
		return err
	}
	if step.Label != "" || tag == "select" {
		// Non-bubbling so ancestor form handlers stay quiet.
		return env.d.CallFunctionOn(ctx, el.Object, setSelectValueScript, nil, step.Value, false)
	}

	if err := env.d.CallFunctionOn(ctx, el.Object, prepareInputScript, nil); err != nil {
		return err
	}
	if step.Value != "" {
		if err := env.d.InsertText(ctx, step.Value); err != nil {
			return err
		}
	}
	bestEffort(env, "input events", env.d.CallFunctionOn(ctx, el.Object, inputEventsScript, nil, true))
	return e.pickAutocomplete(ctx, env, step.Value)
}

type autocompleteHit struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Text  string  `json:"text"`
}

// pickAutocomplete clicks a visible suggestion matching value, if any.
func (e *executor) pickAutocomplete(ctx context.Context, env *stepEnv, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	if err := sleepCtx(ctx, e.cfg.AutocompleteDelay); err != nil {
		return err
	}
	var hit autocompleteHit
	if err := env.d.Evaluate(ctx, callExpr(autocompleteScript, value), env.contextID, &hit); err != nil {
		bestEffort(env, "autocomplete scan", err)
		return nil
	}
	if !hit.Found {
		return nil
	}
	env.log.Debug("replay autocomplete option picked", "option", hit.Text)
	for _, ev := range []MouseEvent{
		{Type: MouseMoved, X: hit.X, Y: hit.Y, Button: ButtonNone},
		{Type: MousePressed, X: hit.X, Y: hit.Y, Button: ButtonLeft, ClickCount: 1},
		{Type: MouseReleased, X: hit.X, Y: hit.Y, Button: ButtonLeft, ClickCount: 1},
	} {
		if err := env.mouse(ctx, ev); err != nil {
			bestEffort(env, "autocomplete click", err)
			return nil
		}
	}
	return nil
}

func (e *executor) selectOption(ctx context.Context, env *stepEnv, step schema.Step) error {
	el, err := e.resolver.resolve(ctx, env.d, step.Candidates(), env.contextID)
	if err != nil {
		return err
	}
	defer env.release(ctx, el.Object)
	return env.d.CallFunctionOn(ctx, el.Object, setSelectValueScript, nil, step.Value, true)
}

func (e *executor) key(ctx context.Context, env *stepEnv, step schema.Step, typ KeyEventType) error {
	if step.Key == "" {
		return fmt.Errorf("%w: key step without key", schema.ErrInvalidRequest)
	}
	return env.d.DispatchKey(ctx, KeyEvent{
		Type:      typ,
		Key:       step.Key,
		Modifiers: env.sess.pressKey(step.Key, typ, modifierMask(step.Modifiers, step.Key)),
	})
}

// modifierMask folds named modifiers, and the key itself when it is one,
// into the protocol bitmask.
func modifierMask(names []string, key string) Modifier {
	var mask Modifier
	for _, name := range append(append([]string(nil), names...), key) {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "alt", "option":
			mask |= ModifierAlt
		case "control", "ctrl":
			mask |= ModifierCtrl
		case "meta", "command", "cmd", "os":
			mask |= ModifierMeta
		case "shift":
			mask |= ModifierShift
		}
	}
	return mask
}

func (e *executor) scroll(ctx context.Context, env *stepEnv, step schema.Step) error {
	if !step.HasSelectors() {
		return env.d.Evaluate(ctx, callExpr(scrollPageScript, step.X, step.Y), env.contextID, nil)
	}
	el, err := e.target(ctx, env, step)
	if err != nil {
		return err
	}
	defer env.release(ctx, el.Object)
	x, y := el.Center()
	return env.mouse(ctx, MouseEvent{Type: MouseWheel, X: x, Y: y, Button: ButtonNone, DeltaX: step.X, DeltaY: step.Y})
}
