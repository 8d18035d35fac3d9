package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"swiftpost/queue-service/internal/models"
	"swiftpost/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// counterProbeLimit bounds the upward search for a free counter number when
// probe registration is enabled.
const counterProbeLimit = 100

type Store struct {
	pool               *pgxpool.Pool
	notifier           store.Notifier
	probeCounterNumber bool
}

type Options struct {
	Notifier           store.Notifier
	ProbeCounterNumber bool
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	notifier := options.Notifier
	if notifier == nil {
		notifier = store.NopNotifier{}
	}
	return &Store{
		pool:               pool,
		notifier:           notifier,
		probeCounterNumber: options.ProbeCounterNumber,
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var issuedToday int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE category = $1 AND created_at >= $2 AND created_at < $3
	`, input.Category, dayStart, dayEnd)
	if err = row.Scan(&issuedToday); err != nil {
		return models.Token{}, err
	}

	var position int
	row = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE category = $1 AND status = $2 AND created_at < $3
	`, input.Category, models.StatusWaiting, createdAt)
	if err = row.Scan(&position); err != nil {
		return models.Token{}, err
	}
	position++

	tokenID := uuid.NewString()
	var token models.Token
	inserted := false
	for attempt := 0; attempt < store.MaxCodeAttempts; attempt++ {
		code := store.FormatDisplayCode(prefix, issuedToday+1+attempt)
		row = tx.QueryRow(ctx, `
			INSERT INTO tokens (token_id, display_code, category, status, queue_position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (display_code) DO NOTHING
			RETURNING token_id, display_code, category, status, created_at
		`, tokenID, code, input.Category, models.StatusWaiting, position, createdAt)
		scanErr := row.Scan(&token.TokenID, &token.DisplayCode, &token.Category, &token.Status, &token.CreatedAt)
		if scanErr == nil {
			inserted = true
			break
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			err = scanErr
			return models.Token{}, err
		}
	}
	if !inserted {
		err = store.ErrGenerationExhausted
		return models.Token{}, err
	}
	token.QueuePosition = position

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCreated, token); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}

	stats, statsErr := s.GetStatistics(ctx)
	if statsErr == nil {
		token.EstimatedWait = store.EstimateWaitMinutes(position, stats.AvgServiceMinutes)
	}
	s.notifier.Notify(store.Event{
		Type:      store.EventTokenCreated,
		Token:     &token,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
	return token, nil
}

func (s *Store) GetToken(ctx context.Context, displayCode string) (models.Token, bool, error) {
	var token models.Token
	var seq int64
	var counterIDNull sql.NullString
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	row := s.pool.QueryRow(ctx, `
		SELECT seq, token_id, display_code, category, status, counter_id, created_at, called_at, completed_at
		FROM tokens
		WHERE display_code = $1
	`, displayCode)
	if err := row.Scan(&seq, &token.TokenID, &token.DisplayCode, &token.Category, &token.Status, &counterIDNull, &token.CreatedAt, &calledAtNull, &completedAtNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	token.CounterID = nullStringPtr(counterIDNull)
	token.CalledAt = nullTimePtr(calledAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)

	if token.Status != models.StatusWaiting {
		return token, true, nil
	}

	var ahead int
	row = s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE category = $1 AND status = $2 AND (created_at, seq) < ($3, $4)
	`, token.Category, models.StatusWaiting, token.CreatedAt, seq)
	if err := row.Scan(&ahead); err != nil {
		return models.Token{}, false, err
	}
	token.QueuePosition = ahead + 1

	avg, err := s.avgServiceMinutes(ctx)
	if err != nil {
		return models.Token{}, false, err
	}
	token.EstimatedWait = store.EstimateWaitMinutes(token.QueuePosition, avg)
	return token, true, nil
}

func (s *Store) NextPending(ctx context.Context) (models.Token, bool, error) {
	var token models.Token
	row := s.pool.QueryRow(ctx, `
		SELECT token_id, display_code, category, status, created_at
		FROM tokens
		WHERE status = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`, models.StatusWaiting)
	if err := row.Scan(&token.TokenID, &token.DisplayCode, &token.Category, &token.Status, &token.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) AssignToCounter(ctx context.Context, input store.AssignInput) (models.Token, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counter, err := lockCounter(ctx, tx, input.CounterID)
	if err != nil {
		return models.Token{}, err
	}
	if counter.Status != models.CounterActive {
		err = store.ErrCounterUnavailable
		return models.Token{}, err
	}
	busy, err := counterServing(ctx, tx, input.CounterID)
	if err != nil {
		return models.Token{}, err
	}
	if busy {
		err = store.ErrCounterUnavailable
		return models.Token{}, err
	}

	status, err := lockToken(ctx, tx, input.DisplayCode)
	if err != nil {
		return models.Token{}, err
	}
	if !store.ValidTransition(store.ActionAssign, status) {
		err = store.ErrInvalidState
		return models.Token{}, err
	}

	var token models.Token
	var counterIDNull sql.NullString
	var calledAtNull sql.NullTime
	row := tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = $1,
			counter_id = $2,
			called_at = $3
		WHERE display_code = $4
		RETURNING token_id, display_code, category, status, counter_id, created_at, called_at
	`, models.StatusServing, input.CounterID, calledAt, input.DisplayCode)
	if err = row.Scan(&token.TokenID, &token.DisplayCode, &token.Category, &token.Status, &counterIDNull, &token.CreatedAt, &calledAtNull); err != nil {
		return models.Token{}, err
	}
	token.CounterID = nullStringPtr(counterIDNull)
	token.CalledAt = nullTimePtr(calledAtNull)

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCalled, token); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}

	s.notifyTransition(ctx, store.EventTokenCalled, token, &counter)
	return token, nil
}

func (s *Store) CompleteToken(ctx context.Context, displayCode string, completedAt time.Time) (models.Token, error) {
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var freedCounterID sql.NullString
	var status string
	row := tx.QueryRow(ctx, `
		SELECT counter_id, status
		FROM tokens
		WHERE display_code = $1
		FOR UPDATE
	`, displayCode)
	if err = row.Scan(&freedCounterID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	if !store.ValidTransition(store.ActionComplete, status) {
		err = store.ErrInvalidState
		return models.Token{}, err
	}

	var token models.Token
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	row = tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = $1,
			completed_at = $2,
			counter_id = NULL
		WHERE display_code = $3
		RETURNING token_id, display_code, category, status, created_at, called_at, completed_at
	`, models.StatusCompleted, completedAt, displayCode)
	if err = row.Scan(&token.TokenID, &token.DisplayCode, &token.Category, &token.Status, &token.CreatedAt, &calledAtNull, &completedAtNull); err != nil {
		return models.Token{}, err
	}
	token.CalledAt = nullTimePtr(calledAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)

	var freed *models.Counter
	if freedCounterID.Valid {
		counter, lookupErr := getCounter(ctx, tx, freedCounterID.String)
		if lookupErr == nil {
			freed = &counter
		}
	}

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCompleted, token); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}

	s.notifyTransition(ctx, store.EventTokenCompleted, token, freed)
	return token, nil
}

func (s *Store) RegisterCounter(ctx context.Context, number int) (models.Counter, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	attempts := 1
	if s.probeCounterNumber {
		attempts = counterProbeLimit
	}

	var counter models.Counter
	registered := false
	for i := 0; i < attempts; i++ {
		row := tx.QueryRow(ctx, `
			INSERT INTO counters (counter_id, number, status)
			VALUES ($1, $2, $3)
			ON CONFLICT (number) DO NOTHING
			RETURNING counter_id, number, status
		`, uuid.NewString(), number+i, models.CounterActive)
		scanErr := row.Scan(&counter.CounterID, &counter.Number, &counter.Status)
		if scanErr == nil {
			registered = true
			break
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			err = scanErr
			return models.Counter{}, err
		}
	}
	if !registered {
		err = store.ErrDuplicateCounter
		return models.Counter{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}

	s.notifyCounter(ctx, counter)
	return counter, nil
}

func (s *Store) SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counter, err := lockCounter(ctx, tx, counterID)
	if err != nil {
		return models.Counter{}, err
	}

	if status == models.CounterInactive {
		busy, busyErr := counterServing(ctx, tx, counterID)
		if busyErr != nil {
			err = busyErr
			return models.Counter{}, err
		}
		if busy {
			err = store.ErrCounterBusy
			return models.Counter{}, err
		}
	}

	if _, err = tx.Exec(ctx, `
		UPDATE counters
		SET status = $1
		WHERE counter_id = $2
	`, status, counterID); err != nil {
		return models.Counter{}, err
	}
	counter.Status = status

	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}

	s.notifyCounter(ctx, counter)
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return s.listCounters(ctx, `
		SELECT counter_id, number, status
		FROM counters
		ORDER BY number ASC
	`)
}

func (s *Store) ListAvailableCounters(ctx context.Context) ([]models.Counter, error) {
	return s.listCounters(ctx, `
		SELECT c.counter_id, c.number, c.status
		FROM counters c
		WHERE c.status = 'active'
			AND NOT EXISTS (
				SELECT 1 FROM tokens t
				WHERE t.counter_id = c.counter_id AND t.status = 'serving'
			)
		ORDER BY c.number ASC
	`)
}

func (s *Store) listCounters(ctx context.Context, query string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		if err := rows.Scan(&counter.CounterID, &counter.Number, &counter.Status); err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) TryAutoAssign(ctx context.Context, counterID string) (models.Token, bool, error) {
	calledAt := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var counter models.Counter
	row := tx.QueryRow(ctx, `
		SELECT c.counter_id, c.number, c.status
		FROM counters c
		WHERE c.status = 'active'
			AND NOT EXISTS (
				SELECT 1 FROM tokens t
				WHERE t.counter_id = c.counter_id AND t.status = 'serving'
			)
		ORDER BY (c.counter_id::text = $1) DESC, c.number ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, counterID)
	if err = row.Scan(&counter.CounterID, &counter.Number, &counter.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.Commit(ctx)
			return models.Token{}, false, err
		}
		return models.Token{}, false, err
	}

	var token models.Token
	var counterIDNull sql.NullString
	var calledAtNull sql.NullTime
	row = tx.QueryRow(ctx, `
		WITH next_token AS (
			SELECT token_id
			FROM tokens
			WHERE status = 'waiting'
			ORDER BY created_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tokens
		SET status = 'serving',
			counter_id = $1,
			called_at = $2
		FROM next_token
		WHERE tokens.token_id = next_token.token_id
		RETURNING tokens.token_id, tokens.display_code, tokens.category, tokens.status, tokens.counter_id, tokens.created_at, tokens.called_at
	`, counter.CounterID, calledAt)
	if err = row.Scan(&token.TokenID, &token.DisplayCode, &token.Category, &token.Status, &counterIDNull, &token.CreatedAt, &calledAtNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.Commit(ctx)
			return models.Token{}, false, err
		}
		return models.Token{}, false, err
	}
	token.CounterID = nullStringPtr(counterIDNull)
	token.CalledAt = nullTimePtr(calledAtNull)

	if err = insertOutboxEvent(ctx, tx, store.EventTokenCalled, token); err != nil {
		return models.Token{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}

	s.notifyTransition(ctx, store.EventTokenCalled, token, &counter)
	return token, true, nil
}

func (s *Store) GetStatistics(ctx context.Context) (store.QueueStats, error) {
	stats := store.QueueStats{WaitingByCategory: make(map[string]int)}

	rows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*)
		FROM tokens
		WHERE status = 'waiting'
		GROUP BY category
	`)
	if err != nil {
		return store.QueueStats{}, err
	}
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			rows.Close()
			return store.QueueStats{}, err
		}
		stats.WaitingByCategory[category] = count
		stats.Waiting += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.QueueStats{}, err
	}

	dayStart, _ := store.DayWindow(time.Now())
	row := s.pool.QueryRow(ctx, `
		SELECT
			SUM(CASE WHEN status = 'serving' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'completed' AND completed_at >= $1 THEN 1 ELSE 0 END)
		FROM tokens
	`, dayStart)
	var serving, completed sql.NullInt64
	if err := row.Scan(&serving, &completed); err != nil {
		return store.QueueStats{}, err
	}
	stats.Serving = int(serving.Int64)
	stats.CompletedToday = int(completed.Int64)

	row = s.pool.QueryRow(ctx, `
		SELECT
			AVG(EXTRACT(EPOCH FROM (called_at - created_at)) / 60.0),
			AVG(EXTRACT(EPOCH FROM (completed_at - called_at)) / 60.0)
		FROM tokens
		WHERE status = 'completed'
			AND called_at IS NOT NULL AND completed_at IS NOT NULL
			AND completed_at >= $1
	`, time.Now().UTC().Add(-24*time.Hour))
	var avgWait, avgService sql.NullFloat64
	if err := row.Scan(&avgWait, &avgService); err != nil {
		return store.QueueStats{}, err
	}
	stats.AvgWaitMinutes = avgWait.Float64
	stats.AvgServiceMinutes = avgService.Float64
	return stats, nil
}

func (s *Store) GetHourlyActivity(ctx context.Context, day time.Time) ([]store.HourlyBucket, error) {
	dayStart, dayEnd := store.DayWindow(day)
	rows, err := s.pool.Query(ctx, `
		SELECT created_at, completed_at
		FROM tokens
		WHERE (created_at >= $1 AND created_at < $2)
			OR (completed_at >= $1 AND completed_at < $2)
	`, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]store.HourlyBucket, 24)
	for i := range buckets {
		buckets[i].Hour = i
	}
	for rows.Next() {
		var createdAt time.Time
		var completedAtNull sql.NullTime
		if err := rows.Scan(&createdAt, &completedAtNull); err != nil {
			return nil, err
		}
		if !createdAt.Before(dayStart) && createdAt.Before(dayEnd) {
			buckets[createdAt.Local().Hour()].Created++
		}
		if completedAtNull.Valid && !completedAtNull.Time.Before(dayStart) && completedAtNull.Time.Before(dayEnd) {
			buckets[completedAtNull.Time.Local().Hour()].Completed++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buckets, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, displayCode string) ([]store.TokenEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.token_id, e.token_seq, e.type, e.payload, e.created_at, e.prev_hash, e.hash
		FROM token_events e
		JOIN tokens t ON t.token_id = e.token_id
		WHERE t.display_code = $1
		ORDER BY e.token_seq ASC
	`, displayCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) notifyTransition(ctx context.Context, eventType string, token models.Token, counter *models.Counter) {
	stats, err := s.GetStatistics(ctx)
	if err != nil {
		stats = store.QueueStats{}
	}
	s.notifier.Notify(store.Event{
		Type:      eventType,
		Token:     &token,
		Counter:   counter,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Store) notifyCounter(ctx context.Context, counter models.Counter) {
	stats, err := s.GetStatistics(ctx)
	if err != nil {
		stats = store.QueueStats{}
	}
	s.notifier.Notify(store.Event{
		Type:      store.EventCounterUpdated,
		Counter:   &counter,
		Stats:     stats,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Store) avgServiceMinutes(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	row := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - called_at)) / 60.0)
		FROM tokens
		WHERE status = 'completed'
			AND called_at IS NOT NULL AND completed_at IS NOT NULL
			AND completed_at >= $1
	`, time.Now().UTC().Add(-24*time.Hour))
	if err := row.Scan(&avg); err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

func lockCounter(ctx context.Context, tx pgx.Tx, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := tx.QueryRow(ctx, `
		SELECT counter_id, number, status
		FROM counters
		WHERE counter_id = $1
		FOR UPDATE
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.Number, &counter.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func getCounter(ctx context.Context, tx pgx.Tx, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := tx.QueryRow(ctx, `
		SELECT counter_id, number, status
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.Number, &counter.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func counterServing(ctx context.Context, tx pgx.Tx, counterID string) (bool, error) {
	var busy bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tokens
			WHERE counter_id = $1 AND status = 'serving'
		)
	`, counterID)
	if err := row.Scan(&busy); err != nil {
		return false, err
	}
	return busy, nil
}

func lockToken(ctx context.Context, tx pgx.Tx, displayCode string) (string, error) {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status
		FROM tokens
		WHERE display_code = $1
		FOR UPDATE
	`, displayCode)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrTokenNotFound
		}
		return "", err
	}
	return status, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, token models.Token) error {
	payload := map[string]interface{}{
		"token_id":     token.TokenID,
		"display_code": token.DisplayCode,
		"category":     token.Category,
		"status":       token.Status,
		"created_at":   token.CreatedAt,
		"called_at":    token.CalledAt,
		"completed_at": token.CompletedAt,
		"counter_id":   token.CounterID,
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		return err
	}
	return insertTokenEvent(ctx, tx, token.TokenID, eventType, payloadJSON)
}

func insertTokenEvent(ctx context.Context, tx pgx.Tx, tokenID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tokenID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
		FOR UPDATE
	`, tokenID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeTokenEventHash(prev, tokenID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tokenID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
