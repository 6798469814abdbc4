package logx

import (
	"context"

	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	userKey contextKey = iota
	runKey
	tabKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the operator id if present.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithRun annotates the logger with run and tab identifiers.
func WithRun(ctx context.Context, runID schema.RunID, tabID schema.TabID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if runID != "" {
		if current, ok := ctx.Value(runKey).(schema.RunID); !ok || current != runID {
			log = log.With("run", runID)
		}
	}
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); !ok || current != tabID {
			log = log.With("tab", tabID)
		}
	}
	return log
}

// WithRecording annotates the logger with recording metadata.
func WithRecording(log pslog.Logger, rec schema.Recording) pslog.Logger {
	if rec.ID != "" {
		log = log.With("recording", rec.ID)
	}
	if rec.Title != "" {
		log = log.With("recording_title", rec.Title)
	}
	return log
}

// WithStep annotates the logger with the step position and type.
func WithStep(log pslog.Logger, index int, stepType schema.StepType) pslog.Logger {
	return log.With("step", index, "step_type", stepType)
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}

// ContextWithRunLogger attaches the logger and run/tab markers to the context.
func ContextWithRunLogger(ctx context.Context, log pslog.Logger, runID schema.RunID, tabID schema.TabID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if runID != "" {
		ctx = context.WithValue(ctx, runKey, runID)
	}
	if tabID != "" {
		ctx = context.WithValue(ctx, tabKey, tabID)
	}
	return ctx
}

// CopyContextFields copies user/run/tab markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if user, ok := src.Value(userKey).(schema.UserID); ok && user != "" {
		dst = ContextWithUser(dst, user)
	}
	if run, ok := src.Value(runKey).(schema.RunID); ok && run != "" {
		dst = context.WithValue(dst, runKey, run)
	}
	if tab, ok := src.Value(tabKey).(schema.TabID); ok && tab != "" {
		dst = context.WithValue(dst, tabKey, tab)
	}
	return dst
}
