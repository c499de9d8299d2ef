// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/startline-relay/internal/registry"
	"github.com/nishisan-dev/startline-relay/internal/session"
)

// handlers agrupa os endpoints REST sobre o serviço do relay.
type handlers struct {
	relay  Relay
	logger *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.relay.Health())
}

func (h *handlers) athletes(w http.ResponseWriter, r *http.Request) {
	athletes := h.relay.Athletes()
	writeJSON(w, http.StatusOK, map[string]any{
		"athletes": athletes,
		"count":    len(athletes),
	})
}

func (h *handlers) replaceAthletes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Athletes []registry.Athlete `json:"athletes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Athletes == nil {
		writeError(w, http.StatusBadRequest, "athletes array required")
		return
	}
	for _, a := range body.Athletes {
		if a.DeviceID <= 0 || a.AthleteID == "" {
			writeError(w, http.StatusBadRequest, "athletes need device_id and athlete_id")
			return
		}
	}

	count := h.relay.ReplaceAthletes(body.Athletes)
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	packs, err := h.relay.Store().List()
	if err != nil {
		h.logger.Error("listing session packs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}

	doc := map[string]any{
		"sessions": packs,
		"count":    len(packs),
	}
	if st, sid := h.relay.RecordingState(); st == session.StateRecording {
		doc["recording"] = sid
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.relay.Store().Get(id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading session failed")
		return
	}

	doc := map[string]any{
		"session_id":  info.SessionID,
		"size_bytes":  info.SizeBytes,
		"modified_ms": info.ModifiedMs,
		"sealed":      info.Sealed,
	}
	if hdr, err := h.relay.Store().Header(id); err == nil {
		doc["created"] = hdr.Created
		doc["description"] = hdr.Description
		doc["schema_version"] = hdr.SchemaVersion
	}
	if stats, err := h.relay.Store().Stats(id); err == nil {
		doc["duration_s"] = stats.DurationS
		doc["message_count"] = stats.MessageCount
		doc["athlete_count"] = stats.AthleteCount
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID   string `json:"session_id"`
		Description string `json:"description"`
	}
	if r.Body != nil {
		// Body vazio é válido: o relay gera o session id.
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if body.SessionID == "" {
		body.SessionID = r.URL.Query().Get("session_id")
	}

	sessionID, err := h.relay.StartRecording(body.SessionID, body.Description)
	if errors.Is(err, session.ErrExists) {
		writeError(w, http.StatusConflict, "session pack already exists")
		return
	}
	if err != nil {
		if strings.Contains(err.Error(), "already active") {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"recording":  true,
	})
}

func (h *handlers) stopSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.relay.StopRecording()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": info.SessionID,
		"size_bytes": info.SizeBytes,
		"sealed":     info.Sealed,
		"recording":  false,
	})
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if st, sid := h.relay.RecordingState(); st == session.StateRecording && sid == id {
		writeError(w, http.StatusConflict, "session is recording, stop it first")
		return
	}

	err := h.relay.Store().Delete(id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deleting session failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc, err := h.relay.Store().Open(id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "opening session failed")
		return
	}
	defer rc.Close()

	// O export só escreve a partir do primeiro envelope: pack vazio retorna
	// ErrNotFound com a resposta intocada e o 404 ainda é possível.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := session.ExportJSON(w, rc, id); errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session has no messages")
		return
	} else if err != nil {
		h.logger.Error("streaming session messages", "session", id, "error", err)
	}
}

func (h *handlers) exportSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := session.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	rc, err := h.relay.Store().Open(id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "opening session failed")
		return
	}
	defer rc.Close()

	var out io.Writer = w
	if r.URL.Query().Get("gzip") == "1" || strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := pgzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
		err = session.ExportCSV(out, rc)
	default:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".json"))
		err = session.ExportJSON(out, rc, id)
	}
	if err != nil {
		h.logger.Error("exporting session", "session", id, "format", format, "error", err)
	}
}

func (h *handlers) getStartSignal(w http.ResponseWriter, r *http.Request) {
	ts, armed := h.relay.StartSignal()
	doc := map[string]any{"armed": armed}
	if armed {
		doc["ts_ms"] = ts
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handlers) setStartSignal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TsMs int64 `json:"ts_ms"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if body.TsMs < 0 {
		writeError(w, http.StatusBadRequest, "ts_ms must be epoch milliseconds")
		return
	}

	effective := h.relay.SetStartSignal(body.TsMs)
	writeJSON(w, http.StatusOK, map[string]any{"armed": true, "ts_ms": effective})
}

func (h *handlers) clearStartSignal(w http.ResponseWriter, r *http.Request) {
	h.relay.ClearStartSignal()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) reset(w http.ResponseWriter, r *http.Request) {
	h.relay.ResetRace()
	w.WriteHeader(http.StatusNoContent)
}
