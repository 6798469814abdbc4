// Package mcpserver exposes the replay engine as Model Context Protocol
// tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"pkt.systems/pslog"

	"pkt.systems/cdpreplay/internal/recordingschema"
	"pkt.systems/cdpreplay/schema"
)

// Engine is the subset of the replay service the tools call.
type Engine interface {
	RunRecording(ctx context.Context, req schema.RunRecordingRequest) (schema.RunRecordingResponse, error)
	RunAll(ctx context.Context, req schema.RunAllRequest) (schema.RunAllResponse, error)
	AbortRun(ctx context.Context, req schema.AbortRunRequest) (schema.AbortRunResponse, error)
	Status(ctx context.Context, req schema.StatusRequest) (schema.StatusResponse, error)
	ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error)
	ListRecordings(ctx context.Context, req schema.ListRecordingsRequest) (schema.ListRecordingsResponse, error)
	GetRecording(ctx context.Context, req schema.GetRecordingRequest) (schema.GetRecordingResponse, error)
	ListRunResults(ctx context.Context, req schema.ListRunResultsRequest) (schema.ListRunResultsResponse, error)
}

// Handlers implements the MCP tools.
type Handlers struct {
	engine Engine
	log    pslog.Logger
}

// NewHandlers binds the tools to an engine.
func NewHandlers(engine Engine, logger pslog.Logger) *Handlers {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Handlers{engine: engine, log: logger}
}

// New builds the MCP server with every tool registered.
func New(engine Engine, version string, logger pslog.Logger) *server.MCPServer {
	h := NewHandlers(engine, logger)
	s := server.NewMCPServer("cdpreplay", version, server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("list_tabs",
		mcp.WithDescription("List the page targets of the connected browser"),
	), h.ListTabs)
	s.AddTool(mcp.NewTool("list_recordings",
		mcp.WithDescription("List stored recordings"),
	), h.ListRecordings)
	s.AddTool(mcp.NewTool("get_recording",
		mcp.WithDescription("Return one stored recording with its steps"),
		mcp.WithString("recording", mcp.Required(), mcp.Description("Recording id")),
	), h.GetRecording)
	s.AddTool(mcp.NewTool("run_recording",
		mcp.WithDescription("Replay one recording in a browser tab and wait for the result"),
		mcp.WithString("recording", mcp.Required(), mcp.Description("Recording id")),
		mcp.WithString("tab", mcp.Description("Target tab id; defaults to the configured or first tab")),
	), h.RunRecording)
	s.AddTool(mcp.NewTool("run_all",
		mcp.WithDescription("Replay every stored recording in order and wait for the batch result"),
		mcp.WithString("tab", mcp.Description("Target tab id; defaults to the configured or first tab")),
	), h.RunAll)
	s.AddTool(mcp.NewTool("abort_run",
		mcp.WithDescription("Abort the active run or batch"),
	), h.AbortRun)
	s.AddTool(mcp.NewTool("run_status",
		mcp.WithDescription("Report whether a run is active and how far it got"),
	), h.Status)
	s.AddTool(mcp.NewTool("run_history",
		mcp.WithDescription("List past results of a recording, newest first"),
		mcp.WithString("recording", mcp.Required(), mcp.Description("Recording id")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
	), h.RunHistory)
	s.AddTool(mcp.NewTool("recording_schema",
		mcp.WithDescription("Return the JSON Schema of recording documents"),
	), h.RecordingSchema)
	s.AddTool(mcp.NewTool("validate_recording",
		mcp.WithDescription("Validate a recording document without storing it"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Recording as JSON or YAML text")),
		mcp.WithString("format", mcp.Description("json or yaml; defaults to json")),
	), h.ValidateRecording)
	return s
}

// Serve runs the server on stdin and stdout until the input closes.
func Serve(engine Engine, version string, logger pslog.Logger) error {
	return server.ServeStdio(New(engine, version, logger))
}

func (h *Handlers) ListTabs(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.engine.ListTabs(ctx, schema.ListTabsRequest{})
	if err != nil {
		return h.failure("list_tabs", err), nil
	}
	return jsonResult(resp.Tabs)
}

func (h *Handlers) ListRecordings(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.engine.ListRecordings(ctx, schema.ListRecordingsRequest{})
	if err != nil {
		return h.failure("list_recordings", err), nil
	}
	return jsonResult(resp.Recordings)
}

func (h *Handlers) GetRecording(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireRecording(req)
	if errResult != nil {
		return errResult, nil
	}
	resp, err := h.engine.GetRecording(ctx, schema.GetRecordingRequest{RecordingID: id})
	if err != nil {
		return h.failure("get_recording", err), nil
	}
	return jsonResult(resp.Recording)
}

func (h *Handlers) RunRecording(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireRecording(req)
	if errResult != nil {
		return errResult, nil
	}
	resp, err := h.engine.RunRecording(ctx, schema.RunRecordingRequest{
		RecordingID: id,
		TabID:       schema.TabID(strings.TrimSpace(req.GetString("tab", ""))),
	})
	if err != nil {
		return h.failure("run_recording", err), nil
	}
	result, err := jsonResult(resp.Result)
	if err != nil {
		return nil, err
	}
	// A failed replay is a tool-level error so agents notice it.
	result.IsError = !resp.Result.Passed
	return result, nil
}

func (h *Handlers) RunAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.engine.RunAll(ctx, schema.RunAllRequest{
		TabID: schema.TabID(strings.TrimSpace(req.GetString("tab", ""))),
	})
	if err != nil {
		return h.failure("run_all", err), nil
	}
	result, err := jsonResult(resp.Result)
	if err != nil {
		return nil, err
	}
	result.IsError = resp.Result.Failed > 0
	return result, nil
}

func (h *Handlers) AbortRun(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.engine.AbortRun(ctx, schema.AbortRunRequest{})
	if err != nil {
		return h.failure("abort_run", err), nil
	}
	if !resp.Aborted {
		return mcp.NewToolResultText("no run active"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("aborted run %s", resp.RunID)), nil
}

func (h *Handlers) Status(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := h.engine.Status(ctx, schema.StatusRequest{})
	if err != nil {
		return h.failure("run_status", err), nil
	}
	return jsonResult(resp)
}

func (h *Handlers) RunHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireRecording(req)
	if errResult != nil {
		return errResult, nil
	}
	resp, err := h.engine.ListRunResults(ctx, schema.ListRunResultsRequest{
		RecordingID: id,
		Limit:       req.GetInt("limit", 0),
	})
	if err != nil {
		return h.failure("run_history", err), nil
	}
	return jsonResult(resp.Results)
}

func (h *Handlers) RecordingSchema(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := recordingschema.Generate()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (h *Handlers) ValidateRecording(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := req.GetString("document", "")
	if strings.TrimSpace(doc) == "" {
		return mcp.NewToolResultError("document argument is required"), nil
	}
	format := "." + strings.TrimPrefix(strings.ToLower(req.GetString("format", "json")), ".")
	report := recordingschema.ValidateDocument([]byte(doc), format)
	result, err := jsonResult(report)
	if err != nil {
		return nil, err
	}
	result.IsError = !report.Valid()
	return result, nil
}

func requireRecording(req mcp.CallToolRequest) (schema.RecordingID, *mcp.CallToolResult) {
	raw, err := req.RequireString("recording")
	if err != nil {
		return "", mcp.NewToolResultError("recording argument is required")
	}
	id, err := schema.NormalizeRecordingID(raw)
	if err != nil {
		return "", mcp.NewToolResultError(fmt.Sprintf("invalid recording id %q", raw))
	}
	return id, nil
}

func (h *Handlers) failure(tool string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, schema.ErrSessionBusy),
		errors.Is(err, schema.ErrRecordingNotFound),
		errors.Is(err, schema.ErrTabNotFound),
		errors.Is(err, schema.ErrEmptyRecording),
		errors.Is(err, schema.ErrInvalidRequest):
		h.log.Debug("mcp tool rejected", "tool", tool, "err", err)
	default:
		h.log.Warn("mcp tool failed", "tool", tool, "err", err)
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
