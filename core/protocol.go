package core

import (
	"context"

	"pkt.systems/cdpreplay/schema"
)

// ObjectID references a remote JavaScript object held by the page.
type ObjectID string

// ContextID is a JavaScript execution context id. Zero selects the default
// context of the main frame.
type ContextID int64

// SessionEventKind enumerates the protocol notifications the engine reacts to.
type SessionEventKind int

const (
	EventContextCreated SessionEventKind = iota + 1
	EventContextsCleared
	EventLoad
	EventDOMContentLoaded
	EventDetached
)

// SessionEvent is a protocol notification delivered for an attached tab.
type SessionEvent struct {
	Kind      SessionEventKind
	ContextID ContextID
	FrameID   string
	IsDefault bool
	// Reason is set for EventDetached.
	Reason string
}

// EventHandler receives session events. It must not block.
type EventHandler func(SessionEvent)

// Browser discovers tabs and opens debugging sessions on them.
type Browser interface {
	Tabs(ctx context.Context) ([]schema.TabInfo, error)
	Tab(ctx context.Context, id schema.TabID) (schema.TabInfo, error)
	// Blank loads about:blank into the tab without leaving a session behind.
	Blank(ctx context.Context, id schema.TabID) error
	// Attach opens a session and enables the domains the engine needs.
	Attach(ctx context.Context, id schema.TabID, events EventHandler) (Debugger, error)
	// WatchTab streams target updates for the tab until ctx is done.
	WatchTab(ctx context.Context, id schema.TabID) (<-chan schema.TabInfo, error)
}

// MouseEventType is the phase of a dispatched pointer event.
type MouseEventType string

const (
	MouseMoved    MouseEventType = "mouseMoved"
	MousePressed  MouseEventType = "mousePressed"
	MouseReleased MouseEventType = "mouseReleased"
	MouseWheel    MouseEventType = "mouseWheel"
)

// MouseButton names a pointer button.
type MouseButton string

const (
	ButtonNone    MouseButton = "none"
	ButtonLeft    MouseButton = "left"
	ButtonMiddle  MouseButton = "middle"
	ButtonRight   MouseButton = "right"
	ButtonBack    MouseButton = "back"
	ButtonForward MouseButton = "forward"
)

// MouseEvent is one low-level pointer dispatch.
type MouseEvent struct {
	Type       MouseEventType
	X, Y       float64
	Button     MouseButton
	ClickCount int64
	DeltaX     float64
	DeltaY     float64
	Modifiers  Modifier
}

// KeyEventType is the phase of a dispatched key event.
type KeyEventType string

const (
	KeyDown KeyEventType = "keyDown"
	KeyUp   KeyEventType = "keyUp"
)

// Modifier is the protocol modifier bitmask.
type Modifier int64

const (
	ModifierAlt   Modifier = 1
	ModifierCtrl  Modifier = 2
	ModifierMeta  Modifier = 4
	ModifierShift Modifier = 8
)

// KeyEvent is one low-level key dispatch. Key uses DOM key names such as
// "Enter", "a" or "ArrowLeft".
type KeyEvent struct {
	Type      KeyEventType
	Key       string
	Modifiers Modifier
}

// Viewport is a device metrics override.
type Viewport struct {
	Width             int64
	Height            int64
	DeviceScaleFactor float64
	Mobile            bool
	Touch             bool
	Landscape         bool
}

// Frame is one node of the page frame tree.
type Frame struct {
	ID       string
	URL      string
	Children []Frame
}

// Debugger is an attached protocol session on one tab. Calls fail once the
// session is closed or detached.
type Debugger interface {
	// Evaluate runs expr and decodes the JSON result into out (may be nil).
	Evaluate(ctx context.Context, expr string, contextID ContextID, out any) error
	// EvaluateHandle runs expr and returns a handle to the result, or an empty
	// id when the result is null or undefined.
	EvaluateHandle(ctx context.Context, expr string, contextID ContextID) (ObjectID, error)
	// CallFunctionOn invokes fn with this bound to obj and decodes the result.
	CallFunctionOn(ctx context.Context, obj ObjectID, fn string, out any, args ...any) error
	// QuerySelector runs a protocol-level DOM query on the main document,
	// bypassing page JavaScript. An empty id means no match.
	QuerySelector(ctx context.Context, css string) (ObjectID, error)
	ReleaseObject(ctx context.Context, obj ObjectID) error
	DispatchMouse(ctx context.Context, ev MouseEvent) error
	DispatchKey(ctx context.Context, ev KeyEvent) error
	InsertText(ctx context.Context, text string) error
	Navigate(ctx context.Context, url string) error
	FrameTree(ctx context.Context) (Frame, error)
	SetViewport(ctx context.Context, vp Viewport) error
	// Close detaches the session without closing the tab.
	Close() error
}
