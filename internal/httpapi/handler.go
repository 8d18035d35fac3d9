package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"swiftpost/queue-service/internal/models"
	"swiftpost/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store              store.TokenStore
	autoAssignOnCreate bool
}

type Options struct {
	AutoAssignOnCreate bool
}

func NewHandler(store store.TokenStore, options Options) *Handler {
	return &Handler{
		store:              store,
		autoAssignOnCreate: options.AutoAssignOnCreate,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleCreateToken)
	mux.HandleFunc("/api/tokens/next-pending", h.handleNextPending)
	mux.HandleFunc("/api/tokens/", h.handleTokenSubpaths)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/available", h.handleAvailableCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterActions)
	mux.HandleFunc("/api/queue/auto-assign", h.handleAutoAssign)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/stats/hourly", h.handleHourlyStats)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createTokenRequest struct {
	Category string `json:"category"`
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTokenRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	if !models.ValidCategory(req.Category) {
		writeError(w, http.StatusBadRequest, "invalid_category", "category must be one of "+strings.Join(models.Categories(), ", "))
		return
	}

	token, err := h.store.CreateToken(r.Context(), store.CreateTokenInput{
		Category:  req.Category,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	if h.autoAssignOnCreate {
		if _, _, err := h.store.TryAutoAssign(r.Context(), ""); err != nil {
			log.Printf("auto-assign after create: %v", err)
		}
	}

	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleNextPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token, found, err := h.store.NextPending(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenSubpaths(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleTokenDetails(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		h.handleTokenEvents(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTokenAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTokenDetails(w http.ResponseWriter, r *http.Request, displayCode string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidDisplayCode(displayCode) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed display code")
		return
	}

	token, found, err := h.store.GetToken(r.Context(), displayCode)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenEvents(w http.ResponseWriter, r *http.Request, displayCode string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidDisplayCode(displayCode) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed display code")
		return
	}

	events, err := h.store.ListTokenEvents(r.Context(), displayCode)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type assignRequest struct {
	CounterID string `json:"counter_id"`
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request, displayCode, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidDisplayCode(displayCode) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed display code")
		return
	}

	switch action {
	case "assign":
		var req assignRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.CounterID = strings.TrimSpace(req.CounterID)
		if req.CounterID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
			return
		}
		if !isValidUUID(req.CounterID) {
			writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
			return
		}

		token, err := h.store.AssignToCounter(r.Context(), store.AssignInput{
			DisplayCode: displayCode,
			CounterID:   req.CounterID,
			CalledAt:    time.Now().UTC(),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	case "complete":
		token, err := h.store.CompleteToken(r.Context(), displayCode, time.Now().UTC())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type registerCounterRequest struct {
	Number int `json:"number"`
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		counters, err := h.store.ListCounters(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, counters)
	case http.MethodPost:
		var req registerCounterRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		if req.Number <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "number must be a positive integer")
			return
		}

		counter, err := h.store.RegisterCounter(r.Context(), req.Number)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}

		// A freshly registered counter is idle; pull the next waiting token
		// onto it right away.
		if _, _, err := h.store.TryAutoAssign(r.Context(), counter.CounterID); err != nil {
			log.Printf("auto-assign after register: %v", err)
		}

		writeJSON(w, http.StatusCreated, counter)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleAvailableCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counters, err := h.store.ListAvailableCounters(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	counterID := parts[0]
	if !isValidUUID(counterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter id must be a UUID")
		return
	}

	var status string
	switch parts[2] {
	case "activate":
		status = models.CounterActive
	case "deactivate":
		status = models.CounterInactive
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	counter, err := h.store.SetCounterStatus(r.Context(), counterID, status)
	if err != nil {
		httpStatus, code, msg := mapError(err)
		writeError(w, httpStatus, code, msg)
		return
	}

	if status == models.CounterActive {
		if _, _, err := h.store.TryAutoAssign(r.Context(), counter.CounterID); err != nil {
			log.Printf("auto-assign after activate: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, counter)
}

type autoAssignRequest struct {
	CounterID string `json:"counter_id"`
}

type autoAssignResponse struct {
	Assigned bool          `json:"assigned"`
	Token    *models.Token `json:"token,omitempty"`
}

func (h *Handler) handleAutoAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req autoAssignRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	counterID := strings.TrimSpace(req.CounterID)
	if counterID != "" && !isValidUUID(counterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	token, assigned, err := h.store.TryAutoAssign(r.Context(), counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	resp := autoAssignResponse{Assigned: assigned}
	if assigned {
		resp.Token = &token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.store.GetStatistics(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	day := time.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("day")); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "day must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	buckets, err := h.store.GetHourlyActivity(r.Context(), day)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := parsePositiveInt(limitRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// isValidDisplayCode accepts codes like P-001: one category letter, a dash,
// three to six digits.
func isValidDisplayCode(code string) bool {
	if len(code) < 5 || len(code) > 8 {
		return false
	}
	if code[0] < 'A' || code[0] > 'Z' || code[1] != '-' {
		return false
	}
	for _, r := range code[2:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parsePositiveInt(raw string) (int, error) {
	value := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		value = value*10 + int(r-'0')
		if value > 1<<20 {
			return 0, errors.New("too large")
		}
	}
	if value <= 0 {
		return 0, errors.New("not positive")
	}
	return value, nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrInvalidCategory):
		return http.StatusBadRequest, "invalid_category", "unknown service category"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusConflict, "counter_unavailable", "counter is inactive or busy"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is serving a token"
	case errors.Is(err, store.ErrDuplicateCounter):
		return http.StatusConflict, "duplicate_counter", "counter number already in use"
	case errors.Is(err, store.ErrGenerationExhausted):
		return http.StatusInternalServerError, "generation_exhausted", "could not generate a unique token code, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
