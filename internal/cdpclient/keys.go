package cdpclient

import (
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"

	"pkt.systems/cdpreplay/core"
)

// namedKeys maps DOM key names to the runes kb.Keys is indexed by.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Backspace":  kb.Backspace,
	"Escape":     kb.Escape,
	"Delete":     kb.Delete,
	"Insert":     kb.Insert,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Shift":      kb.Shift,
	"Control":    kb.Control,
	"Alt":        kb.Alt,
	"Meta":       kb.Meta,
	"CapsLock":   kb.CapsLock,
	"F1":         kb.F1,
	"F2":         kb.F2,
	"F3":         kb.F3,
	"F4":         kb.F4,
	"F5":         kb.F5,
	"F6":         kb.F6,
	"F7":         kb.F7,
	"F8":         kb.F8,
	"F9":         kb.F9,
	"F10":        kb.F10,
	"F11":        kb.F11,
	"F12":        kb.F12,
}

// keyDef is the protocol description of one key.
type keyDef struct {
	key     string
	code    string
	text    string
	windows int64
	native  int64
}

func lookupKey(name string) keyDef {
	lookup := name
	if mapped, ok := namedKeys[name]; ok {
		lookup = mapped
	} else if name == " " || strings.EqualFold(name, "space") {
		lookup = " "
	}
	if utf8.RuneCountInString(lookup) == 1 {
		r, _ := utf8.DecodeRuneInString(lookup)
		if k, ok := kb.Keys[r]; ok {
			return keyDef{key: k.Key, code: k.Code, text: k.Text, windows: k.Windows, native: k.Native}
		}
		return keyDef{key: name, text: name}
	}
	return keyDef{key: name}
}

// keyEvent builds the dispatch params. Keys with text become keyDown so the
// character is produced; the rest are sent as rawKeyDown.
func keyEvent(ev core.KeyEvent) *input.DispatchKeyEventParams {
	def := lookupKey(ev.Key)
	text := def.text
	if ev.Modifiers&(core.ModifierCtrl|core.ModifierMeta|core.ModifierAlt) != 0 {
		text = ""
	}
	if text != "" && ev.Modifiers&core.ModifierShift != 0 {
		text = strings.ToUpper(text)
	}

	typ := input.KeyUp
	if ev.Type == core.KeyDown {
		typ = input.KeyRawDown
		if text != "" {
			typ = input.KeyDown
		}
	}
	params := input.DispatchKeyEvent(typ).
		WithKey(def.key).
		WithModifiers(input.Modifier(ev.Modifiers))
	if def.code != "" {
		params = params.WithCode(def.code)
	}
	if def.windows != 0 {
		params = params.WithWindowsVirtualKeyCode(def.windows)
	}
	if def.native != 0 {
		params = params.WithNativeVirtualKeyCode(def.native)
	}
	if typ == input.KeyDown {
		params = params.WithText(text).WithUnmodifiedText(def.text)
	}
	return params
}
