package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"swiftpost/queue-service/internal/models"
	"swiftpost/queue-service/internal/store"
)

type fakeStore struct {
	createToken       func(ctx context.Context, input store.CreateTokenInput) (models.Token, error)
	getToken          func(ctx context.Context, displayCode string) (models.Token, bool, error)
	nextPending       func(ctx context.Context) (models.Token, bool, error)
	assignToCounter   func(ctx context.Context, input store.AssignInput) (models.Token, error)
	completeToken     func(ctx context.Context, displayCode string, completedAt time.Time) (models.Token, error)
	registerCounter   func(ctx context.Context, number int) (models.Counter, error)
	setCounterStatus  func(ctx context.Context, counterID, status string) (models.Counter, error)
	listCounters      func(ctx context.Context) ([]models.Counter, error)
	listAvailable     func(ctx context.Context) ([]models.Counter, error)
	tryAutoAssign     func(ctx context.Context, counterID string) (models.Token, bool, error)
	getStatistics     func(ctx context.Context) (store.QueueStats, error)
	getHourlyActivity func(ctx context.Context, day time.Time) ([]store.HourlyBucket, error)
	listOutboxEvents  func(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
	listTokenEvents   func(ctx context.Context, displayCode string) ([]store.TokenEvent, error)
}

func (f *fakeStore) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	if f.createToken == nil {
		return models.Token{}, nil
	}
	return f.createToken(ctx, input)
}

func (f *fakeStore) GetToken(ctx context.Context, displayCode string) (models.Token, bool, error) {
	if f.getToken == nil {
		return models.Token{}, false, nil
	}
	return f.getToken(ctx, displayCode)
}

func (f *fakeStore) NextPending(ctx context.Context) (models.Token, bool, error) {
	if f.nextPending == nil {
		return models.Token{}, false, nil
	}
	return f.nextPending(ctx)
}

func (f *fakeStore) AssignToCounter(ctx context.Context, input store.AssignInput) (models.Token, error) {
	if f.assignToCounter == nil {
		return models.Token{}, nil
	}
	return f.assignToCounter(ctx, input)
}

func (f *fakeStore) CompleteToken(ctx context.Context, displayCode string, completedAt time.Time) (models.Token, error) {
	if f.completeToken == nil {
		return models.Token{}, nil
	}
	return f.completeToken(ctx, displayCode, completedAt)
}

func (f *fakeStore) RegisterCounter(ctx context.Context, number int) (models.Counter, error) {
	if f.registerCounter == nil {
		return models.Counter{}, nil
	}
	return f.registerCounter(ctx, number)
}

func (f *fakeStore) SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	if f.setCounterStatus == nil {
		return models.Counter{}, nil
	}
	return f.setCounterStatus(ctx, counterID, status)
}

func (f *fakeStore) ListCounters(ctx context.Context) ([]models.Counter, error) {
	if f.listCounters == nil {
		return nil, nil
	}
	return f.listCounters(ctx)
}

func (f *fakeStore) ListAvailableCounters(ctx context.Context) ([]models.Counter, error) {
	if f.listAvailable == nil {
		return nil, nil
	}
	return f.listAvailable(ctx)
}

func (f *fakeStore) TryAutoAssign(ctx context.Context, counterID string) (models.Token, bool, error) {
	if f.tryAutoAssign == nil {
		return models.Token{}, false, nil
	}
	return f.tryAutoAssign(ctx, counterID)
}

func (f *fakeStore) GetStatistics(ctx context.Context) (store.QueueStats, error) {
	if f.getStatistics == nil {
		return store.QueueStats{}, nil
	}
	return f.getStatistics(ctx)
}

func (f *fakeStore) GetHourlyActivity(ctx context.Context, day time.Time) ([]store.HourlyBucket, error) {
	if f.getHourlyActivity == nil {
		return nil, nil
	}
	return f.getHourlyActivity(ctx, day)
}

func (f *fakeStore) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if f.listOutboxEvents == nil {
		return nil, nil
	}
	return f.listOutboxEvents(ctx, after, limit)
}

func (f *fakeStore) ListTokenEvents(ctx context.Context, displayCode string) ([]store.TokenEvent, error) {
	if f.listTokenEvents == nil {
		return nil, nil
	}
	return f.listTokenEvents(ctx, displayCode)
}

const (
	testCounterID  = "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"
	otherCounterID = "1afc9f54-7c8d-4f21-9a55-0f6f2cb4a9e1"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Code
}

func TestCreateTokenHandler(t *testing.T) {
	fake := &fakeStore{
		createToken: func(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
			if input.Category != models.CategoryParcel {
				t.Fatalf("store got category %q", input.Category)
			}
			return models.Token{
				TokenID:       "t-1",
				DisplayCode:   "P-001",
				Category:      input.Category,
				Status:        models.StatusWaiting,
				QueuePosition: 1,
				CreatedAt:     input.CreatedAt,
			}, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodPost, "/api/tokens", `{"category":"Parcel"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var token models.Token
	if err := json.Unmarshal(rr.Body.Bytes(), &token); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if token.DisplayCode != "P-001" || token.Status != models.StatusWaiting {
		t.Fatalf("token = %+v", token)
	}
}

func TestCreateTokenHandlerRejectsBadInput(t *testing.T) {
	h := NewHandler(&fakeStore{}, Options{}).Routes()

	rr := doRequest(t, h, http.MethodPost, "/api/tokens", `{"category":"visa"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown category: status %d, want 400", rr.Code)
	}
	if code := decodeError(t, rr); code != "invalid_category" {
		t.Fatalf("unknown category: error code %q", code)
	}

	rr = doRequest(t, h, http.MethodPost, "/api/tokens", `{"category"`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("broken json: status %d, want 400", rr.Code)
	}
	if code := decodeError(t, rr); code != "invalid_json" {
		t.Fatalf("broken json: error code %q", code)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/tokens", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on create: status %d, want 405", rr.Code)
	}
}

func TestCreateTokenHandlerAutoAssignOption(t *testing.T) {
	called := false
	fake := &fakeStore{
		tryAutoAssign: func(ctx context.Context, counterID string) (models.Token, bool, error) {
			called = true
			return models.Token{}, false, nil
		},
	}

	h := NewHandler(fake, Options{AutoAssignOnCreate: true}).Routes()
	if rr := doRequest(t, h, http.MethodPost, "/api/tokens", `{"category":"general"}`); rr.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201", rr.Code)
	}
	if !called {
		t.Fatal("auto-assign not invoked after create")
	}

	called = false
	h = NewHandler(fake, Options{}).Routes()
	if rr := doRequest(t, h, http.MethodPost, "/api/tokens", `{"category":"general"}`); rr.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201", rr.Code)
	}
	if called {
		t.Fatal("auto-assign invoked without the option")
	}
}

func TestTokenDetailsHandler(t *testing.T) {
	fake := &fakeStore{
		getToken: func(ctx context.Context, displayCode string) (models.Token, bool, error) {
			if displayCode == "P-001" {
				return models.Token{DisplayCode: "P-001", Status: models.StatusWaiting, QueuePosition: 2, EstimatedWait: 5}, true, nil
			}
			return models.Token{}, false, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodGet, "/api/tokens/P-001", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("known token: status %d, want 200", rr.Code)
	}
	var token models.Token
	if err := json.Unmarshal(rr.Body.Bytes(), &token); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if token.QueuePosition != 2 || token.EstimatedWait != 5 {
		t.Fatalf("token = %+v", token)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/tokens/X-999", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("unknown token: status %d, want 204", rr.Code)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/tokens/p1", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed code: status %d, want 400", rr.Code)
	}
}

func TestNextPendingHandler(t *testing.T) {
	h := NewHandler(&fakeStore{}, Options{}).Routes()
	rr := doRequest(t, h, http.MethodGet, "/api/tokens/next-pending", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("empty queue: status %d, want 204", rr.Code)
	}

	fake := &fakeStore{
		nextPending: func(ctx context.Context) (models.Token, bool, error) {
			return models.Token{DisplayCode: "B-003"}, true, nil
		},
	}
	h = NewHandler(fake, Options{}).Routes()
	rr = doRequest(t, h, http.MethodGet, "/api/tokens/next-pending", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}
}

func TestAssignActionHandler(t *testing.T) {
	fake := &fakeStore{
		assignToCounter: func(ctx context.Context, input store.AssignInput) (models.Token, error) {
			if input.DisplayCode != "P-001" || input.CounterID != testCounterID {
				t.Fatalf("store got %+v", input)
			}
			counterID := input.CounterID
			return models.Token{DisplayCode: input.DisplayCode, Status: models.StatusServing, CounterID: &counterID}, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodPost, "/api/tokens/P-001/actions/assign", `{"counter_id":"`+testCounterID+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, h, http.MethodPost, "/api/tokens/P-001/actions/assign", `{"counter_id":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing counter_id: status %d, want 400", rr.Code)
	}

	// A malformed counter id never reaches the store; both backends would
	// otherwise answer differently (uuid type error vs. not-found).
	rr = doRequest(t, h, http.MethodPost, "/api/tokens/P-001/actions/assign", `{"counter_id":"abc"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed counter_id: status %d, want 400", rr.Code)
	}
	if code := decodeError(t, rr); code != "invalid_request" {
		t.Fatalf("malformed counter_id: error code %q", code)
	}

	busy := &fakeStore{
		assignToCounter: func(ctx context.Context, input store.AssignInput) (models.Token, error) {
			return models.Token{}, store.ErrCounterUnavailable
		},
	}
	h = NewHandler(busy, Options{}).Routes()
	rr = doRequest(t, h, http.MethodPost, "/api/tokens/P-001/actions/assign", `{"counter_id":"`+testCounterID+`"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("busy counter: status %d, want 409", rr.Code)
	}
	if code := decodeError(t, rr); code != "counter_unavailable" {
		t.Fatalf("busy counter: error code %q", code)
	}
}

func TestCompleteActionHandler(t *testing.T) {
	fake := &fakeStore{
		completeToken: func(ctx context.Context, displayCode string, completedAt time.Time) (models.Token, error) {
			return models.Token{DisplayCode: displayCode, Status: models.StatusCompleted}, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodPost, "/api/tokens/P-001/actions/complete", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}

	wrongState := &fakeStore{
		completeToken: func(ctx context.Context, displayCode string, completedAt time.Time) (models.Token, error) {
			return models.Token{}, store.ErrInvalidState
		},
	}
	h = NewHandler(wrongState, Options{}).Routes()
	rr = doRequest(t, h, http.MethodPost, "/api/tokens/P-001/actions/complete", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("wrong state: status %d, want 409", rr.Code)
	}
	if code := decodeError(t, rr); code != "invalid_state" {
		t.Fatalf("wrong state: error code %q", code)
	}

	rr = doRequest(t, h, http.MethodPost, "/api/tokens/P-001/actions/cancel", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown action: status %d, want 404", rr.Code)
	}
}

func TestRegisterCounterHandler(t *testing.T) {
	var autoAssignedTo string
	fake := &fakeStore{
		registerCounter: func(ctx context.Context, number int) (models.Counter, error) {
			if number != 4 {
				t.Fatalf("store got number %d", number)
			}
			return models.Counter{CounterID: "c-4", Number: number, Status: models.CounterActive}, nil
		},
		tryAutoAssign: func(ctx context.Context, counterID string) (models.Token, bool, error) {
			autoAssignedTo = counterID
			return models.Token{}, false, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodPost, "/api/counters", `{"number":4}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201: %s", rr.Code, rr.Body.String())
	}
	if autoAssignedTo != "c-4" {
		t.Fatalf("auto-assign targeted %q, want c-4", autoAssignedTo)
	}

	rr = doRequest(t, h, http.MethodPost, "/api/counters", `{"number":0}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("zero number: status %d, want 400", rr.Code)
	}

	dup := &fakeStore{
		registerCounter: func(ctx context.Context, number int) (models.Counter, error) {
			return models.Counter{}, store.ErrDuplicateCounter
		},
	}
	h = NewHandler(dup, Options{}).Routes()
	rr = doRequest(t, h, http.MethodPost, "/api/counters", `{"number":4}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate: status %d, want 409", rr.Code)
	}
	if code := decodeError(t, rr); code != "duplicate_counter" {
		t.Fatalf("duplicate: error code %q", code)
	}
}

func TestCounterStatusHandler(t *testing.T) {
	var autoAssigned bool
	fake := &fakeStore{
		setCounterStatus: func(ctx context.Context, counterID, status string) (models.Counter, error) {
			return models.Counter{CounterID: counterID, Number: 1, Status: status}, nil
		},
		tryAutoAssign: func(ctx context.Context, counterID string) (models.Token, bool, error) {
			autoAssigned = true
			return models.Token{}, false, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodPost, "/api/counters/"+testCounterID+"/actions/activate", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("activate: status %d, want 200", rr.Code)
	}
	if !autoAssigned {
		t.Fatal("activate did not trigger auto-assign")
	}

	autoAssigned = false
	rr = doRequest(t, h, http.MethodPost, "/api/counters/"+testCounterID+"/actions/deactivate", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate: status %d, want 200", rr.Code)
	}
	if autoAssigned {
		t.Fatal("deactivate should not trigger auto-assign")
	}

	rr = doRequest(t, h, http.MethodPost, "/api/counters/c-1/actions/activate", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed counter id: status %d, want 400", rr.Code)
	}
	if code := decodeError(t, rr); code != "invalid_request" {
		t.Fatalf("malformed counter id: error code %q", code)
	}

	busy := &fakeStore{
		setCounterStatus: func(ctx context.Context, counterID, status string) (models.Counter, error) {
			return models.Counter{}, store.ErrCounterBusy
		},
	}
	h = NewHandler(busy, Options{}).Routes()
	rr = doRequest(t, h, http.MethodPost, "/api/counters/"+testCounterID+"/actions/deactivate", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("busy: status %d, want 409", rr.Code)
	}
	if code := decodeError(t, rr); code != "counter_busy" {
		t.Fatalf("busy: error code %q", code)
	}
}

func TestAutoAssignHandler(t *testing.T) {
	h := NewHandler(&fakeStore{}, Options{}).Routes()
	rr := doRequest(t, h, http.MethodPost, "/api/queue/auto-assign", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}
	var resp autoAssignResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Assigned || resp.Token != nil {
		t.Fatalf("empty queue response = %+v", resp)
	}

	fake := &fakeStore{
		tryAutoAssign: func(ctx context.Context, counterID string) (models.Token, bool, error) {
			return models.Token{DisplayCode: "G-001", Status: models.StatusServing}, true, nil
		},
	}
	h = NewHandler(fake, Options{}).Routes()
	rr = doRequest(t, h, http.MethodPost, "/api/queue/auto-assign", `{"counter_id":"`+otherCounterID+`"}`)
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Assigned || resp.Token == nil || resp.Token.DisplayCode != "G-001" {
		t.Fatalf("assigned response = %+v", resp)
	}

	rr = doRequest(t, h, http.MethodPost, "/api/queue/auto-assign", `{"counter_id":"c-2"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed counter_id: status %d, want 400", rr.Code)
	}
	if code := decodeError(t, rr); code != "invalid_request" {
		t.Fatalf("malformed counter_id: error code %q", code)
	}
}

func TestStatsHandler(t *testing.T) {
	fake := &fakeStore{
		getStatistics: func(ctx context.Context) (store.QueueStats, error) {
			return store.QueueStats{
				Waiting:           3,
				Serving:           1,
				CompletedToday:    7,
				AvgServiceMinutes: 4.5,
				WaitingByCategory: map[string]int{models.CategoryParcel: 2, models.CategoryGeneral: 1},
			}, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodGet, "/api/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}
	var stats store.QueueStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Waiting != 3 || stats.CompletedToday != 7 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestHourlyStatsHandler(t *testing.T) {
	var gotDay time.Time
	fake := &fakeStore{
		getHourlyActivity: func(ctx context.Context, day time.Time) ([]store.HourlyBucket, error) {
			gotDay = day
			return make([]store.HourlyBucket, 24), nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodGet, "/api/stats/hourly?day=2026-03-09", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}
	if gotDay.Year() != 2026 || gotDay.Month() != time.March || gotDay.Day() != 9 {
		t.Fatalf("store got day %v", gotDay)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/stats/hourly?day=tomorrow", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad day: status %d, want 400", rr.Code)
	}
}

func TestEventsHandler(t *testing.T) {
	var gotAfter time.Time
	var gotLimit int
	fake := &fakeStore{
		listOutboxEvents: func(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
			gotAfter = after
			gotLimit = limit
			return []store.OutboxEvent{{EventID: "e-1", Type: store.EventTokenCreated}}, nil
		},
	}
	h := NewHandler(fake, Options{}).Routes()

	rr := doRequest(t, h, http.MethodGet, "/api/events?after=2026-03-09T10:00:00Z&limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rr.Code)
	}
	if gotLimit != 5 || gotAfter.IsZero() {
		t.Fatalf("store got after=%v limit=%d", gotAfter, gotLimit)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/events?after=yesterday", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad after: status %d, want 400", rr.Code)
	}

	rr = doRequest(t, h, http.MethodGet, "/api/events?limit=-1", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d, want 400", rr.Code)
	}
}

func TestIsValidDisplayCode(t *testing.T) {
	cases := []struct {
		code  string
		valid bool
	}{
		{"P-001", true},
		{"G-999", true},
		{"B-123456", true},
		{"P-1", false},
		{"p-001", false},
		{"P001", false},
		{"P-0a1", false},
		{"", false},
	}
	for _, tt := range cases {
		if got := isValidDisplayCode(tt.code); got != tt.valid {
			t.Fatalf("isValidDisplayCode(%q)=%v, want %v", tt.code, got, tt.valid)
		}
	}
}
