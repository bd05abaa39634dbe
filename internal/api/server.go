package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-convo/internal/chat"
	"github.com/flitsinc/go-convo/internal/registry"
	"github.com/flitsinc/go-convo/internal/store"
	"github.com/flitsinc/go-convo/internal/stream"
)

type Server struct {
	Store     store.Store
	Registry  *registry.Registry
	Logger    *slog.Logger
	Exec      stream.Options
	PageSize  int
	ExportDir string

	saveMu    sync.Mutex
	saveMarks map[string]saveMark
}

// saveMark remembers the last processed client save fingerprint per
// session, so a retried full-snapshot save can short-circuit before
// touching storage.
type saveMark struct {
	seq  int64
	hash string
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/stream/ws", s.handleStreamWS)
	mux.HandleFunc("/api/stream/stop/", s.handleStreamStop)
	mux.HandleFunc("/api/stream/session/", s.handleStreamSession)
	mux.HandleFunc("/api/history/sessions/list", s.handleSessionList)
	mux.HandleFunc("/api/history/sessions/batch-delete", s.handleBatchDelete)
	mux.HandleFunc("/api/history/sessions/all", s.handleDeleteAll)
	mux.HandleFunc("/api/history/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/history/", s.handleHistoryItem)

	return mux
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	id := pathTail(r.URL.Path, "/api/stream/stop/")
	if id == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	if !s.Registry.Stop(id) {
		writeError(w, http.StatusNotFound, errNotFound("active stream"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	id := pathTail(r.URL.Path, "/api/stream/session/")
	if id == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	cleared := s.Registry.Clear(id)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	path := pathTail(r.URL.Path, "/api/history/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	id := segments[0]
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.respondSession(w, r, id)
		case http.MethodDelete:
			deleted, err := s.Store.DeleteSession(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			s.Registry.Clear(id)
			writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}
	if segments[1] == "restore" && r.Method == http.MethodPost {
		// Drop the in-memory entry so the next execution reprimes the
		// agent from the persisted log.
		s.Registry.Clear(id)
		s.respondSession(w, r, id)
		return
	}
	writeError(w, http.StatusNotFound, errNotFound("history action"))
}

func (s *Server) respondSession(w http.ResponseWriter, r *http.Request, id string) {
	meta, msgs, err := s.Store.LoadSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"meta": meta, "messages": msgs})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	metas, err := s.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	page := parseInt(r.URL.Query().Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := parseInt(r.URL.Query().Get("page_size"), s.pageSize())
	if pageSize < 1 {
		pageSize = s.pageSize()
	}
	start := (page - 1) * pageSize
	if start > len(metas) {
		start = len(metas)
	}
	end := start + pageSize
	if end > len(metas) {
		end = len(metas)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":  metas[start:end],
		"page":      page,
		"page_size": pageSize,
		"total":     len(metas),
	})
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	path := pathTail(r.URL.Path, "/api/history/sessions/")
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session action"))
		return
	}
	id, action := segments[0], segments[1]
	switch action {
	case "save":
		s.handleSave(w, r, id)
	case "append":
		s.handleAppend(w, r, id)
	case "title":
		s.handleTitle(w, r, id)
	case "load":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		s.respondSession(w, r, id)
	case "export":
		s.handleExport(w, r, id)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Messages        []chat.Message `json:"messages"`
		ClientSaveSeq   int64          `json:"client_save_seq"`
		LastMessageHash string         `json:"last_message_hash"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !validRoles(payload.Messages) {
		writeError(w, http.StatusBadRequest, errInvalid("unknown message role"))
		return
	}
	if payload.LastMessageHash != "" && s.saveSeen(id, payload.ClientSaveSeq, payload.LastMessageHash) {
		writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}
	meta, err := s.Store.SaveSession(r.Context(), id, payload.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.recordSave(id, payload.ClientSaveSeq, payload.LastMessageHash)
	writeJSON(w, http.StatusOK, map[string]any{"skipped": false, "meta": meta})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		BaseSeq       int            `json:"base_seq"`
		MessagesDelta []chat.Message `json:"messages_delta"`
		ClientSaveSeq int64          `json:"client_save_seq"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !validRoles(payload.MessagesDelta) {
		writeError(w, http.StatusBadRequest, errInvalid("unknown message role"))
		return
	}
	res, err := s.Store.AppendMessages(r.Context(), id, payload.BaseSeq, payload.MessagesDelta)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res.Conflict {
		writeJSON(w, http.StatusConflict, map[string]any{
			"message":           "append conflict: log has advanced",
			"expected_base_seq": res.ExpectedBaseSeq,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted_count": res.AcceptedCount,
		"new_seq":        res.NewSeq,
		"skipped":        res.Skipped,
	})
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	meta, err := s.Store.UpdateTitle(r.Context(), id, payload.Title)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	format, ok := store.ParseFormat(r.URL.Query().Get("fmt"))
	if !ok {
		writeError(w, http.StatusBadRequest, errInvalid("fmt must be json or markdown"))
		return
	}
	dir := s.ExportDir
	if dir == "" {
		dir = "."
	}
	ext := "json"
	if format == store.FormatMarkdown {
		ext = "md"
	}
	target := filepath.Join(dir, store.SafeFilename(id)+"."+ext)
	path, err := s.Store.ExportSession(r.Context(), id, target, format)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		SessionIDs []string `json:"session_ids"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deleted := 0
	for _, id := range payload.SessionIDs {
		ok, err := s.Store.DeleteSession(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.Registry.Clear(id)
		if ok {
			deleted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	metas, err := s.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	deleted := 0
	for _, meta := range metas {
		ok, err := s.Store.DeleteSession(r.Context(), meta.SessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.Registry.Clear(meta.SessionID)
		if ok {
			deleted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) saveSeen(id string, seq int64, hash string) bool {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	mark, ok := s.saveMarks[id]
	return ok && mark.hash == hash && seq <= mark.seq
}

func (s *Server) recordSave(id string, seq int64, hash string) {
	if hash == "" {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saveMarks == nil {
		s.saveMarks = map[string]saveMark{}
	}
	mark, ok := s.saveMarks[id]
	if !ok || seq >= mark.seq {
		s.saveMarks[id] = saveMark{seq: seq, hash: hash}
	}
}

func (s *Server) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return 20
}

func validRoles(msgs []chat.Message) bool {
	for _, m := range msgs {
		if _, ok := chat.ParseRole(string(m.Role)); !ok {
			return false
		}
	}
	return true
}

func pathTail(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}

type invalidError struct {
	msg string
}

func (e invalidError) Error() string { return e.msg }

func errInvalid(msg string) error {
	return invalidError{msg: msg}
}
