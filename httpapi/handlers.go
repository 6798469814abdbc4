package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/cdpreplay/internal/auth"
	"pkt.systems/cdpreplay/internal/persist"
	"pkt.systems/cdpreplay/internal/recordingschema"
	"pkt.systems/cdpreplay/schema"
	"pkt.systems/pslog"
)

const maxRecordingSize = 4 << 20

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request, _ auth.User) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := pslog.Ctx(r.Context())
	resp, err := s.service.ListTabs(r.Context(), schema.ListTabsRequest{})
	if err != nil {
		log.Warn("http tabs list failed", "err", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tabs": nonNil(resp.Tabs)})
	log.Debug("http tabs list ok", "count", len(resp.Tabs))
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request, user auth.User) {
	log := pslog.Ctx(r.Context())
	switch r.Method {
	case http.MethodGet:
		resp, err := s.service.ListRecordings(r.Context(), schema.ListRecordingsRequest{})
		if err != nil {
			log.Warn("http recordings list failed", "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recordings": nonNil(resp.Recordings)})
	case http.MethodPost:
		if !user.Role.Allows(auth.RoleOperator) {
			writeError(w, http.StatusForbidden, fmt.Errorf("role %s may not do this", user.Role))
			return
		}
		s.saveRecording(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// saveRecording accepts a JSON or YAML document. The format comes from the
// format query parameter or the Content-Type header; the id query
// parameter overrides the id in the document.
func (s *Server) saveRecording(w http.ResponseWriter, r *http.Request) {
	log := pslog.Ctx(r.Context())
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRecordingSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > maxRecordingSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("recording exceeds 4MB limit"))
		return
	}
	ext := documentFormat(r)
	report := recordingschema.ValidateDocument(data, ext)
	if !report.Valid() {
		log.Warn("http recording rejected", "issues", len(report.Issues))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": report.Err().Error(), "issues": report.Issues})
		return
	}
	rec, err := persist.DecodeRecording(data, ext)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if id := strings.TrimSpace(r.URL.Query().Get("id")); id != "" {
		rec.ID = schema.RecordingID(id)
	}
	resp, err := s.service.SaveRecording(r.Context(), schema.SaveRecordingRequest{Recording: rec})
	if err != nil {
		log.Warn("http recording save failed", "recording", rec.ID, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recording": resp.Recording, "issues": nonNil(report.Issues)})
	log.Info("http recording saved", "recording", resp.Recording.ID, "steps", resp.Recording.Steps)
}

func documentFormat(r *http.Request) string {
	if format := strings.TrimSpace(r.URL.Query().Get("format")); format != "" {
		return "." + strings.TrimPrefix(strings.ToLower(format), ".")
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "yaml") {
		return ".yaml"
	}
	return ".json"
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request, user auth.User) {
	log := pslog.Ctx(r.Context())
	id := schema.RecordingID(strings.TrimSpace(r.URL.Query().Get("id")))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		resp, err := s.service.GetRecording(r.Context(), schema.GetRecordingRequest{RecordingID: id})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp.Recording)
	case http.MethodDelete:
		if !user.Role.Allows(auth.RoleOperator) {
			writeError(w, http.StatusForbidden, fmt.Errorf("role %s may not do this", user.Role))
			return
		}
		resp, err := s.service.DeleteRecording(r.Context(), schema.DeleteRecordingRequest{RecordingID: id})
		if err != nil {
			log.Warn("http recording delete failed", "recording", id, "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": resp.RecordingID})
		log.Info("http recording deleted", "recording", id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ auth.User) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	id := schema.RecordingID(strings.TrimSpace(query.Get("recording")))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("recording is required"))
		return
	}
	resp, err := s.service.ListRunResults(r.Context(), schema.ListRunResultsRequest{
		RecordingID: id,
		Limit:       parseInt(query.Get("limit"), 0),
	})
	if err != nil {
		pslog.Ctx(r.Context()).Warn("http history failed", "recording", id, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nonNil(resp.Results)})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request, _ auth.User) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data, err := recordingschema.Generate()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, _ auth.User) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := pslog.Ctx(r.Context())
	var payload struct {
		Recording string `json:"recording"`
		Tab       string `json:"tab"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.Recording) == "" {
		writeError(w, http.StatusBadRequest, errors.New("recording is required"))
		return
	}
	resp, err := s.service.StartRecording(r.Context(), schema.RunRecordingRequest{
		RecordingID: schema.RecordingID(strings.TrimSpace(payload.Recording)),
		TabID:       schema.TabID(strings.TrimSpace(payload.Tab)),
	})
	if err != nil {
		log.Warn("http run rejected", "recording", payload.Recording, "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": resp.RunID, "tabId": resp.TabID})
	log.Info("http run started", "recording", payload.Recording, "run", resp.RunID, "tab", resp.TabID)
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request, _ auth.User) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := pslog.Ctx(r.Context())
	var payload struct {
		Tab string `json:"tab"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	resp, err := s.service.StartAll(r.Context(), schema.RunAllRequest{TabID: schema.TabID(strings.TrimSpace(payload.Tab))})
	if err != nil {
		log.Warn("http run-all rejected", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batchId": resp.RunID, "tabId": resp.TabID})
	log.Info("http run-all started", "batch", resp.RunID, "tab", resp.TabID)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, _ auth.User) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp, err := s.abort(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aborted": resp.Aborted, "runId": resp.RunID})
}

func (s *Server) abort(ctx context.Context) (schema.AbortRunResponse, error) {
	log := pslog.Ctx(ctx)
	resp, err := s.service.AbortRun(ctx, schema.AbortRunRequest{})
	if err != nil {
		log.Warn("http abort failed", "err", err)
		return schema.AbortRunResponse{}, err
	}
	log.Info("http abort", "aborted", resp.Aborted, "run", resp.RunID)
	return resp, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ auth.User) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp, err := s.service.Status(r.Context(), schema.StatusRequest{})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
