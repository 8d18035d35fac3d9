// Package memory implements TokenStore over process memory for
// single-process deployments and tests. One mutex guards all state; every
// operation is a single critical section, which gives the same atomicity
// the postgres implementation gets from transactions.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"swiftpost/queue-service/internal/models"
	"swiftpost/queue-service/internal/store"

	"github.com/google/uuid"
)

const counterProbeLimit = 100

type tokenRecord struct {
	seq   int64
	token models.Token
}

type Store struct {
	mu                 sync.Mutex
	notifier           store.Notifier
	probeCounterNumber bool

	nextSeq     int64
	tokens      []*tokenRecord
	byCode      map[string]*tokenRecord
	counters    map[string]*models.Counter
	outbox      []store.OutboxEvent
	tokenEvents map[string][]store.TokenEvent
}

type Options struct {
	Notifier           store.Notifier
	ProbeCounterNumber bool
}

func NewStore(options Options) *Store {
	notifier := options.Notifier
	if notifier == nil {
		notifier = store.NopNotifier{}
	}
	return &Store{
		notifier:           notifier,
		probeCounterNumber: options.ProbeCounterNumber,
		byCode:             make(map[string]*tokenRecord),
		counters:           make(map[string]*models.Counter),
		tokenEvents:        make(map[string][]store.TokenEvent),
	}
}

func (s *Store) CreateToken(ctx context.Context, input store.CreateTokenInput) (models.Token, error) {
	prefix, ok := models.CategoryPrefix(input.Category)
	if !ok {
		return models.Token{}, store.ErrInvalidCategory
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	dayStart, dayEnd := store.DayWindow(createdAt)

	s.mu.Lock()
	issuedToday := 0
	position := 1
	for _, rec := range s.tokens {
		if rec.token.Category != input.Category {
			continue
		}
		if !rec.token.CreatedAt.Before(dayStart) && rec.token.CreatedAt.Before(dayEnd) {
			issuedToday++
		}
		if rec.token.Status == models.StatusWaiting && rec.token.CreatedAt.Before(createdAt) {
			position++
		}
	}

	code := ""
	for attempt := 0; attempt < store.MaxCodeAttempts; attempt++ {
		candidate := store.FormatDisplayCode(prefix, issuedToday+1+attempt)
		if _, taken := s.byCode[candidate]; !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		s.mu.Unlock()
		return models.Token{}, store.ErrGenerationExhausted
	}

	s.nextSeq++
	rec := &tokenRecord{
		seq: s.nextSeq,
		token: models.Token{
			TokenID:       uuid.NewString(),
			DisplayCode:   code,
			Category:      input.Category,
			Status:        models.StatusWaiting,
			QueuePosition: position,
			CreatedAt:     createdAt,
		},
	}
	s.tokens = append(s.tokens, rec)
	s.byCode[code] = rec
	s.appendEvents(store.EventTokenCreated, rec.token)

	token := rec.token
	stats := s.statsLocked()
	s.mu.Unlock()

	token.EstimatedWait = store.EstimateWaitMinutes(position, stats.AvgServiceMinutes)
	s.notifier.Notify(store.Event{
		Type:      store.EventTokenCreated,
		Token:     &token,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
	return token, nil
}

func (s *Store) GetToken(ctx context.Context, displayCode string) (models.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byCode[displayCode]
	if !ok {
		return models.Token{}, false, nil
	}
	token := rec.token
	token.QueuePosition = 0
	if token.Status == models.StatusWaiting {
		token.QueuePosition = s.positionLocked(rec)
		token.EstimatedWait = store.EstimateWaitMinutes(token.QueuePosition, s.avgServiceMinutesLocked())
	}
	return token, true, nil
}

func (s *Store) NextPending(ctx context.Context) (models.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.nextPendingLocked()
	if rec == nil {
		return models.Token{}, false, nil
	}
	return rec.token, true, nil
}

func (s *Store) AssignToCounter(ctx context.Context, input store.AssignInput) (models.Token, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	s.mu.Lock()
	counter, ok := s.counters[input.CounterID]
	if !ok {
		s.mu.Unlock()
		return models.Token{}, store.ErrCounterNotFound
	}
	if counter.Status != models.CounterActive || s.counterServingLocked(input.CounterID) {
		s.mu.Unlock()
		return models.Token{}, store.ErrCounterUnavailable
	}

	rec, ok := s.byCode[input.DisplayCode]
	if !ok {
		s.mu.Unlock()
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition(store.ActionAssign, rec.token.Status) {
		s.mu.Unlock()
		return models.Token{}, store.ErrInvalidState
	}

	counterID := input.CounterID
	rec.token.Status = models.StatusServing
	rec.token.CounterID = &counterID
	rec.token.CalledAt = &calledAt
	s.appendEvents(store.EventTokenCalled, rec.token)

	token := rec.token
	served := *counter
	stats := s.statsLocked()
	s.mu.Unlock()

	s.notifier.Notify(store.Event{
		Type:      store.EventTokenCalled,
		Token:     &token,
		Counter:   &served,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
	return token, nil
}

func (s *Store) CompleteToken(ctx context.Context, displayCode string, completedAt time.Time) (models.Token, error) {
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	s.mu.Lock()
	rec, ok := s.byCode[displayCode]
	if !ok {
		s.mu.Unlock()
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition(store.ActionComplete, rec.token.Status) {
		s.mu.Unlock()
		return models.Token{}, store.ErrInvalidState
	}

	var freed *models.Counter
	if rec.token.CounterID != nil {
		if counter, ok := s.counters[*rec.token.CounterID]; ok {
			copied := *counter
			freed = &copied
		}
	}

	rec.token.Status = models.StatusCompleted
	rec.token.CompletedAt = &completedAt
	rec.token.CounterID = nil
	s.appendEvents(store.EventTokenCompleted, rec.token)

	token := rec.token
	stats := s.statsLocked()
	s.mu.Unlock()

	s.notifier.Notify(store.Event{
		Type:      store.EventTokenCompleted,
		Token:     &token,
		Counter:   freed,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
	return token, nil
}

func (s *Store) RegisterCounter(ctx context.Context, number int) (models.Counter, error) {
	s.mu.Lock()
	attempts := 1
	if s.probeCounterNumber {
		attempts = counterProbeLimit
	}

	chosen := 0
	found := false
	for i := 0; i < attempts; i++ {
		if !s.numberTakenLocked(number + i) {
			chosen = number + i
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return models.Counter{}, store.ErrDuplicateCounter
	}

	counter := models.Counter{
		CounterID: uuid.NewString(),
		Number:    chosen,
		Status:    models.CounterActive,
	}
	s.counters[counter.CounterID] = &counter
	stats := s.statsLocked()
	s.mu.Unlock()

	s.notifier.Notify(store.Event{
		Type:      store.EventCounterUpdated,
		Counter:   &counter,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
	return counter, nil
}

func (s *Store) SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	s.mu.Lock()
	counter, ok := s.counters[counterID]
	if !ok {
		s.mu.Unlock()
		return models.Counter{}, store.ErrCounterNotFound
	}
	if status == models.CounterInactive && s.counterServingLocked(counterID) {
		s.mu.Unlock()
		return models.Counter{}, store.ErrCounterBusy
	}
	counter.Status = status
	updated := *counter
	stats := s.statsLocked()
	s.mu.Unlock()

	s.notifier.Notify(store.Event{
		Type:      store.EventCounterUpdated,
		Counter:   &updated,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
	return updated, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counters []models.Counter
	for _, counter := range s.counters {
		counters = append(counters, *counter)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Number < counters[j].Number })
	return counters, nil
}

func (s *Store) ListAvailableCounters(ctx context.Context) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableCountersLocked(), nil
}

func (s *Store) TryAutoAssign(ctx context.Context, counterID string) (models.Token, bool, error) {
	calledAt := time.Now().UTC()

	s.mu.Lock()
	rec := s.nextPendingLocked()
	if rec == nil {
		s.mu.Unlock()
		return models.Token{}, false, nil
	}

	available := s.availableCountersLocked()
	if len(available) == 0 {
		s.mu.Unlock()
		return models.Token{}, false, nil
	}
	counter := available[0]
	for _, candidate := range available {
		if candidate.CounterID == counterID {
			counter = candidate
			break
		}
	}

	id := counter.CounterID
	rec.token.Status = models.StatusServing
	rec.token.CounterID = &id
	rec.token.CalledAt = &calledAt
	s.appendEvents(store.EventTokenCalled, rec.token)

	token := rec.token
	stats := s.statsLocked()
	s.mu.Unlock()

	s.notifier.Notify(store.Event{
		Type:      store.EventTokenCalled,
		Token:     &token,
		Counter:   &counter,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
	return token, true, nil
}

func (s *Store) GetStatistics(ctx context.Context) (store.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(), nil
}

func (s *Store) GetHourlyActivity(ctx context.Context, day time.Time) ([]store.HourlyBucket, error) {
	dayStart, dayEnd := store.DayWindow(day)

	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := make([]store.HourlyBucket, 24)
	for i := range buckets {
		buckets[i].Hour = i
	}
	for _, rec := range s.tokens {
		created := rec.token.CreatedAt
		if !created.Before(dayStart) && created.Before(dayEnd) {
			buckets[created.Local().Hour()].Created++
		}
		if rec.token.CompletedAt != nil {
			completed := *rec.token.CompletedAt
			if !completed.Before(dayStart) && completed.Before(dayEnd) {
				buckets[completed.Local().Hour()].Completed++
			}
		}
	}
	return buckets, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, displayCode string) ([]store.TokenEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byCode[displayCode]
	if !ok {
		return nil, nil
	}
	events := make([]store.TokenEvent, len(s.tokenEvents[rec.token.TokenID]))
	copy(events, s.tokenEvents[rec.token.TokenID])
	return events, nil
}

func (s *Store) nextPendingLocked() *tokenRecord {
	var next *tokenRecord
	for _, rec := range s.tokens {
		if rec.token.Status != models.StatusWaiting {
			continue
		}
		if next == nil || earlier(rec, next) {
			next = rec
		}
	}
	return next
}

// earlier orders by creation time with the insertion sequence as tie-break,
// so clock-resolution collisions never reorder the queue.
func earlier(a, b *tokenRecord) bool {
	if a.token.CreatedAt.Equal(b.token.CreatedAt) {
		return a.seq < b.seq
	}
	return a.token.CreatedAt.Before(b.token.CreatedAt)
}

func (s *Store) positionLocked(rec *tokenRecord) int {
	position := 1
	for _, other := range s.tokens {
		if other == rec || other.token.Status != models.StatusWaiting {
			continue
		}
		if other.token.Category == rec.token.Category && earlier(other, rec) {
			position++
		}
	}
	return position
}

func (s *Store) counterServingLocked(counterID string) bool {
	for _, rec := range s.tokens {
		if rec.token.Status == models.StatusServing && rec.token.CounterID != nil && *rec.token.CounterID == counterID {
			return true
		}
	}
	return false
}

func (s *Store) availableCountersLocked() []models.Counter {
	var available []models.Counter
	for _, counter := range s.counters {
		if counter.Status != models.CounterActive || s.counterServingLocked(counter.CounterID) {
			continue
		}
		available = append(available, *counter)
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Number < available[j].Number })
	return available
}

func (s *Store) numberTakenLocked(number int) bool {
	for _, counter := range s.counters {
		if counter.Number == number {
			return true
		}
	}
	return false
}

func (s *Store) avgServiceMinutesLocked() float64 {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	total := 0.0
	count := 0
	for _, rec := range s.tokens {
		t := rec.token
		if t.Status != models.StatusCompleted || t.CalledAt == nil || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			continue
		}
		total += t.CompletedAt.Sub(*t.CalledAt).Minutes()
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func (s *Store) statsLocked() store.QueueStats {
	stats := store.QueueStats{WaitingByCategory: make(map[string]int)}
	dayStart, _ := store.DayWindow(time.Now())
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	waitTotal := 0.0
	waitCount := 0
	for _, rec := range s.tokens {
		t := rec.token
		switch t.Status {
		case models.StatusWaiting:
			stats.Waiting++
			stats.WaitingByCategory[t.Category]++
		case models.StatusServing:
			stats.Serving++
		case models.StatusCompleted:
			if t.CompletedAt != nil && !t.CompletedAt.Before(dayStart) {
				stats.CompletedToday++
			}
			if t.CalledAt != nil && t.CompletedAt != nil && !t.CompletedAt.Before(cutoff) {
				waitTotal += t.CalledAt.Sub(t.CreatedAt).Minutes()
				waitCount++
			}
		}
	}
	if waitCount > 0 {
		stats.AvgWaitMinutes = waitTotal / float64(waitCount)
	}
	stats.AvgServiceMinutes = s.avgServiceMinutesLocked()
	return stats
}

func (s *Store) appendEvents(eventType string, token models.Token) {
	payloadJSON, err := json.Marshal(map[string]interface{}{
		"token_id":     token.TokenID,
		"display_code": token.DisplayCode,
		"category":     token.Category,
		"status":       token.Status,
		"created_at":   token.CreatedAt,
		"called_at":    token.CalledAt,
		"completed_at": token.CompletedAt,
		"counter_id":   token.CounterID,
	})
	if err != nil {
		return
	}

	createdAt := time.Now().UTC()
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   payloadJSON,
		CreatedAt: createdAt,
	})

	chain := s.tokenEvents[token.TokenID]
	prev := ""
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	seq := len(chain) + 1
	s.tokenEvents[token.TokenID] = append(chain, store.TokenEvent{
		TokenID:   token.TokenID,
		TokenSeq:  seq,
		Type:      eventType,
		Payload:   payloadJSON,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeTokenEventHash(prev, token.TokenID, eventType, payloadJSON, createdAt, seq),
	})
}
