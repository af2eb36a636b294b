package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxRow is one event staged for relay.
type OutboxRow struct {
	ID       int64
	Key      string
	Payload  []byte
	Attempts int
}

// OutboxStore claims and settles staged rows. LockBatch must hand each
// deliverable row to at most one dispatcher at a time.
type OutboxStore interface {
	LockBatch(ctx context.Context, limit int) ([]OutboxRow, error)
	MarkSent(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, nextRetry time.Time) error
}

// OutboxDispatcher relays events committed to an outbox table to the event
// channel. It is the optional strengthening of the default fire-and-forget
// publish: an event written in the same transaction as the state change is
// retried with backoff until the broker accepts it.
type OutboxDispatcher struct {
	store     OutboxStore
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewOutboxDispatcher(store OutboxStore, publisher Publisher, interval time.Duration, batch int, logger *slog.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batch,
		logger:    logger,
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.dispatch(ctx); err != nil {
			d.logger.Error("outbox dispatch failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *OutboxDispatcher) dispatch(ctx context.Context) error {
	rows, err := d.store.LockBatch(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := d.publishOne(ctx, row); err != nil {
			d.logger.Warn("publish outbox event failed", "row_id", row.ID, "err", err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, row OutboxRow) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, row.Key, row.Payload); err != nil {
		nextRetry := time.Now().Add(retryDelay(row.Attempts + 1))
		if markErr := d.store.MarkRetry(ctx, row.ID, nextRetry); markErr != nil {
			return fmt.Errorf("mark retry: %w", markErr)
		}
		return err
	}

	return d.store.MarkSent(ctx, row.ID)
}

func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// PgOutboxStore is the Postgres outbox table behind a dispatcher.
type PgOutboxStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPgOutboxStore(pool *pgxpool.Pool, table string) *PgOutboxStore {
	return &PgOutboxStore{pool: pool, table: table}
}

// LockBatch claims a batch of deliverable rows. Claimed rows are parked in
// 'processing' with a release deadline so a crashed dispatcher cannot strand
// them.
func (s *PgOutboxStore) LockBatch(ctx context.Context, limit int) ([]OutboxRow, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		SELECT id, partition_key, payload, attempts
		FROM %s
		WHERE status IN ('pending', 'processing') AND next_retry <= NOW()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, s.table)

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.ID, &row.Key, &row.Payload, &row.Attempts); err != nil {
			return nil, err
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	releaseAt := time.Now().Add(30 * time.Second)
	for _, row := range items {
		updateQuery := fmt.Sprintf(`
			UPDATE %s
			SET status = 'processing', next_retry = $2, updated_at = NOW()
			WHERE id = $1`, s.table)
		if _, err := tx.Exec(ctx, updateQuery, row.ID, releaseAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PgOutboxStore) MarkSent(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1`, s.table)
	_, err := s.pool.Exec(ctx, query, id)
	return err
}

func (s *PgOutboxStore) MarkRetry(ctx context.Context, id int64, nextRetry time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending',
		    attempts = attempts + 1,
		    next_retry = $2,
		    updated_at = NOW()
		WHERE id = $1`, s.table)
	_, err := s.pool.Exec(ctx, query, id, nextRetry)
	return err
}
