package core

import (
	"context"
	"fmt"

	"pkt.systems/cdpreplay/schema"
)

const defaultClipboardName = "clipboard"

func clipboardName(step schema.Step) string {
	if step.VariableName != "" {
		return step.VariableName
	}
	return defaultClipboardName
}

func (e *executor) copy(ctx context.Context, env *stepEnv, step schema.Step) error {
	var text string
	if step.HasSelectors() {
		el, err := e.resolver.resolve(ctx, env.d, step.Candidates(), env.contextID)
		if err != nil {
			return err
		}
		defer env.release(ctx, el.Object)
		if err := env.d.CallFunctionOn(ctx, el.Object, copyElementScript, &text); err != nil {
			return err
		}
	} else if err := env.d.Evaluate(ctx, callExpr(copySelectionScript), env.contextID, &text); err != nil {
		return err
	}
	name := clipboardName(step)
	env.sess.setClipboard(name, text)
	env.log.Debug("replay copy captured", "variable", name, "chars", len(text))
	return nil
}

// paste writes a stored value into the target, or into the focused element
// when the step has no selectors. An empty or missing stored value falls
// back to the value captured at recording time.
func (e *executor) paste(ctx context.Context, env *stepEnv, step schema.Step, lookup func(string) (string, bool)) error {
	name := clipboardName(step)
	if step.Type == schema.StepPasteVariable && step.VariableName == "" {
		return fmt.Errorf("%w: pasteVariable without variableName", schema.ErrInvalidRequest)
	}
	text, ok := lookup(name)
	if !ok || text == "" {
		text = step.Value
		env.log.Debug("replay paste using recorded value", "variable", name)
	}

	if step.HasSelectors() {
		el, err := e.resolver.resolve(ctx, env.d, step.Candidates(), env.contextID)
		if err != nil {
			return err
		}
		defer env.release(ctx, el.Object)
		if err := env.d.CallFunctionOn(ctx, el.Object, prepareInputScript, nil); err != nil {
			return err
		}
		if text != "" {
			if err := env.d.InsertText(ctx, text); err != nil {
				return err
			}
		}
		bestEffort(env, "input events", env.d.CallFunctionOn(ctx, el.Object, inputEventsScript, nil, false))
		return nil
	}

	var focused bool
	if err := env.d.Evaluate(ctx, callExpr(activeInputScript), env.contextID, &focused); err != nil {
		return err
	}
	if !focused {
		return fmt.Errorf("%w: no focused element to paste into", schema.ErrElementNotFound)
	}
	if text != "" {
		if err := env.d.InsertText(ctx, text); err != nil {
			return err
		}
	}
	bestEffort(env, "input events", env.d.Evaluate(ctx, callExpr(activeInputEventsScript), env.contextID, nil))
	return nil
}

func (e *executor) saveVariable(ctx context.Context, env *stepEnv, step schema.Step) error {
	if step.VariableName == "" {
		return fmt.Errorf("%w: saveVariable without variableName", schema.ErrInvalidRequest)
	}
	value := step.Value
	el, err := e.resolver.resolve(ctx, env.d, step.Candidates(), env.contextID)
	if err == nil {
		var live string
		if cerr := env.d.CallFunctionOn(ctx, el.Object, readValueScript, &live); cerr == nil {
			value = live
		} else {
			env.log.Debug("replay saveVariable read failed", "err", cerr)
		}
		env.release(ctx, el.Object)
	} else {
		env.log.Debug("replay saveVariable using recorded value", "variable", step.VariableName, "err", err)
	}
	env.sess.setVariable(step.VariableName, value)
	return nil
}
