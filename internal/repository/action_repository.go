package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"economy/internal/models"
)

// Ошибки репозитория действий
var (
	ErrActionNotFound          = fmt.Errorf("action %w", models.ErrNotFound)
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used by actor")
	ErrInvalidTransition       = errors.New("action status transition not allowed")
)

const actionColumns = `id, actor_id, type, payload, payload_hash, status, scheduled_for,
		duration_seconds, idempotency_key, retry_count, failure_reason, result,
		created_at, started_at, finished_at`

// ActionRepository - работа с таблицей actions (очередь действий + журнал идемпотентности)
type ActionRepository struct {
	db DBTX
}

// NewActionRepository создает новый экземпляр репозитория
func NewActionRepository(db DBTX) *ActionRepository {
	return &ActionRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.Action, error) {
	a := &models.Action{}
	var payload, result []byte
	var failure sql.NullString
	var started, finished sql.NullTime

	err := row.Scan(
		&a.ID,
		&a.ActorID,
		&a.Type,
		&payload,
		&a.PayloadHash,
		&a.Status,
		&a.ScheduledFor,
		&a.DurationSeconds,
		&a.IdempotencyKey,
		&a.RetryCount,
		&failure,
		&result,
		&a.CreatedAt,
		&started,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	a.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		a.Result = json.RawMessage(result)
	}
	if failure.Valid {
		a.FailureReason = &failure.String
	}
	if started.Valid {
		a.StartedAt = &started.Time
	}
	if finished.Valid {
		a.FinishedAt = &finished.Time
	}
	return a, nil
}

func scanActions(rows *sql.Rows) ([]*models.Action, error) {
	defer rows.Close()

	var out []*models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Create сохраняет новое действие
//
// Нарушение уникальности (actor_id, idempotency_key) возвращает
// ErrDuplicateIdempotencyKey: вызывающий код должен перечитать победителя.
func (r *ActionRepository) Create(ctx context.Context, a *models.Action) error {
	query := `
		INSERT INTO actions (actor_id, type, payload, payload_hash, status, scheduled_for,
			duration_seconds, idempotency_key, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		a.ActorID,
		a.Type,
		[]byte(a.Payload),
		a.PayloadHash,
		a.Status,
		a.ScheduledFor,
		a.DurationSeconds,
		a.IdempotencyKey,
		a.RetryCount,
		a.CreatedAt,
	).Scan(&a.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

// GetByID возвращает действие по ID
func (r *ActionRepository) GetByID(ctx context.Context, id int64) (*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate возвращает действие под блокировкой строки
func (r *ActionRepository) GetForUpdate(ctx context.Context, id int64) (*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

// GetByIdempotencyKey ищет действие актора по ключу идемпотентности
func (r *ActionRepository) GetByIdempotencyKey(ctx context.Context, actorID int64, key string) (*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE actor_id = $1 AND idempotency_key = $2`
	return r.getOne(ctx, query, actorID, key)
}

func (r *ActionRepository) getOne(ctx context.Context, query string, args ...interface{}) (*models.Action, error) {
	a, err := scanAction(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return a, nil
}

// CountActive - количество нетерминальных действий актора
func (r *ActionRepository) CountActive(ctx context.Context, actorID int64) (int, error) {
	query := `SELECT COUNT(*) FROM actions WHERE actor_id = $1 AND status = ANY($2)`

	var count int
	err := r.db.QueryRowContext(ctx, query, actorID, pq.Array(models.ActiveActionStatuses)).Scan(&count)
	return count, err
}

// QueueTail - самый поздний scheduled_for + duration среди нетерминальных действий.
// nil если очередь пуста.
func (r *ActionRepository) QueueTail(ctx context.Context, actorID int64) (*time.Time, error) {
	query := `
		SELECT MAX(scheduled_for + duration_seconds * INTERVAL '1 second')
		FROM actions
		WHERE actor_id = $1 AND status = ANY($2)`

	var tail sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, actorID, pq.Array(models.ActiveActionStatuses)).Scan(&tail); err != nil {
		return nil, err
	}
	if !tail.Valid {
		return nil, nil
	}
	return &tail.Time, nil
}

// MarkRunning переводит pending/scheduled действие в running
func (r *ActionRepository) MarkRunning(ctx context.Context, id int64, now time.Time) error {
	query := `
		UPDATE actions SET status = $2, started_at = $3
		WHERE id = $1 AND status IN ($4, $5)`

	return r.execTransition(ctx, query, id, models.ActionStatusRunning, now,
		models.ActionStatusPending, models.ActionStatusScheduled)
}

// Complete фиксирует успешный результат
func (r *ActionRepository) Complete(ctx context.Context, id int64, result json.RawMessage, now time.Time) error {
	query := `
		UPDATE actions SET status = $2, result = $3, finished_at = $4, failure_reason = NULL
		WHERE id = $1 AND status = $5`

	return r.execTransition(ctx, query, id, models.ActionStatusCompleted, nullableJSON(result), now,
		models.ActionStatusRunning)
}

// Fail переводит действие в failed (терминально)
func (r *ActionRepository) Fail(ctx context.Context, id int64, reason string, result json.RawMessage, retryCount int, now time.Time) error {
	query := `
		UPDATE actions SET status = $2, failure_reason = $3, result = $4, retry_count = $5, finished_at = $6
		WHERE id = $1 AND status = $7`

	return r.execTransition(ctx, query, id, models.ActionStatusFailed, reason, nullableJSON(result), retryCount, now,
		models.ActionStatusRunning)
}

// Reschedule возвращает running действие в очередь для повтора
func (r *ActionRepository) Reschedule(ctx context.Context, id int64, reason string, retryCount int) error {
	query := `
		UPDATE actions SET status = $2, failure_reason = $3, retry_count = $4, started_at = NULL
		WHERE id = $1 AND status = $5`

	return r.execTransition(ctx, query, id, models.ActionStatusScheduled, reason, retryCount,
		models.ActionStatusRunning)
}

func (r *ActionRepository) execTransition(ctx context.Context, query string, id int64, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ClaimDue атомарно захватывает до limit готовых действий
//
// Выбор и перевод в running - один UPDATE; строки, заблокированные
// параллельным воркером, пропускаются (SKIP LOCKED), поэтому параллельные
// вызовы получают непересекающиеся пачки.
func (r *ActionRepository) ClaimDue(ctx context.Context, now time.Time, limit, maxRetries int) ([]*models.Action, error) {
	query := `
		UPDATE actions SET status = $1, started_at = $2
		WHERE id IN (
			SELECT id FROM actions
			WHERE status = $3
				AND retry_count < $4
				AND scheduled_for + duration_seconds * INTERVAL '1 second' <= $2
			ORDER BY scheduled_for ASC, id ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + actionColumns

	rows, err := r.db.QueryContext(ctx, query,
		models.ActionStatusRunning, now, models.ActionStatusScheduled, maxRetries, limit)
	if err != nil {
		return nil, err
	}

	claimed, err := scanActions(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING не гарантирует порядок
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].ScheduledFor.Equal(claimed[j].ScheduledFor) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].ScheduledFor.Before(claimed[j].ScheduledFor)
	})
	return claimed, nil
}

// RequeueStale возвращает в очередь действия, зависшие в running дольше
// startedBefore (упавший воркер). Исчерпавшие бюджет повторов становятся failed.
func (r *ActionRepository) RequeueStale(ctx context.Context, startedBefore, now time.Time, maxRetries int) (requeued, deadLettered int, err error) {
	query := `
		UPDATE actions SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
			finished_at = CASE WHEN retry_count + 1 >= $2 THEN $5::timestamptz ELSE NULL END,
			failure_reason = 'claim timed out',
			started_at = NULL
		WHERE id IN (
			SELECT id FROM actions
			WHERE status = $6 AND started_at < $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING status`

	rows, err := r.db.QueryContext(ctx, query, startedBefore, maxRetries,
		models.ActionStatusFailed, models.ActionStatusScheduled, now, models.ActionStatusRunning)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, err
		}
		if status == models.ActionStatusFailed {
			deadLettered++
		} else {
			requeued++
		}
	}
	return requeued, deadLettered, rows.Err()
}

// ListQueue - нетерминальные действия актора в порядке расписания
func (r *ActionRepository) ListQueue(ctx context.Context, actorID int64) ([]*models.Action, error) {
	query := `SELECT ` + actionColumns + `
		FROM actions
		WHERE actor_id = $1 AND status = ANY($2)
		ORDER BY scheduled_for ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, actorID, pq.Array(models.ActiveActionStatuses))
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}

// ListHistory - завершённые действия актора, новые первыми.
// Пустой status означает completed и failed.
func (r *ActionRepository) ListHistory(ctx context.Context, actorID int64, status string, limit int) ([]*models.Action, error) {
	statuses := []string{models.ActionStatusCompleted, models.ActionStatusFailed}
	if status != "" {
		statuses = []string{status}
	}

	query := `SELECT ` + actionColumns + `
		FROM actions
		WHERE actor_id = $1 AND status = ANY($2)
		ORDER BY finished_at DESC NULLS LAST, id DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, actorID, pq.Array(statuses), limit)
	if err != nil {
		return nil, err
	}
	return scanActions(rows)
}
