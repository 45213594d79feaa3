// Package client implements the offline-first side of ranksync: an engine
// that applies reorderings optimistically against a local scope cache,
// queues the matching intents in a persistent outbox, and converges on the
// server's authoritative outcomes when connectivity returns.
package client

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/ptoivanen/ranksync/internal/order"
	"github.com/ptoivanen/ranksync/internal/position"
)

//go:embed migrations/*.sql
var outboxMigrations embed.FS

// ErrAlreadySubmitted indicates an abandon was attempted on an intent that
// already left the device. Once transmitted, an intent can only be resolved
// by the server's outcome.
var ErrAlreadySubmitted = errors.New("client: intent already submitted")

// Outbox intent states.
const (
	outboxPending   = "pending"
	outboxSubmitted = "submitted"
)

// Outbox is the durable queue of unacknowledged mutation intents. Intents
// survive restarts; replay order is origin timestamp, so a reconnecting
// device submits its offline queue in the order the user acted.
type Outbox struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewOutbox opens (and migrates) the outbox database at dbPath. Use
// ":memory:" for tests.
func NewOutbox(dbPath string, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set outbox pragma: %w", err)
	}

	subFS, err := fs.Sub(outboxMigrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("client: open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("client: create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: apply migrations: %w", err)
	}

	logger.Info("outbox ready", "path", dbPath)

	return &Outbox{db: db, logger: logger}, nil
}

// Enqueue stores a new pending intent.
func (o *Outbox) Enqueue(ctx context.Context, intent *order.MutationIntent) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (intent_id, list_id, parent_id, item_id,
			prev_item_id, next_item_id, predicted, origin_ts, actor,
			state, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.Scope.ListID, intent.Scope.ParentID, intent.ItemID,
		intent.PrevItemID, intent.NextItemID, float64(intent.Predicted),
		intent.OriginTS, intent.Actor, outboxPending, order.NowNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue intent %s: %w", intent.ID, err)
	}

	o.logger.Debug("intent enqueued", "intent_id", intent.ID)

	return nil
}

// Pending returns all unacknowledged intents in origin-timestamp order.
// Both pending and submitted intents are returned: a submitted intent whose
// ack never arrived must be retransmitted after reconnect.
func (o *Outbox) Pending(ctx context.Context) ([]*order.MutationIntent, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT intent_id, list_id, parent_id, item_id,
			prev_item_id, next_item_id, predicted, origin_ts, actor
		FROM outbox ORDER BY origin_ts, intent_id`)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	defer rows.Close()

	var intents []*order.MutationIntent

	for rows.Next() {
		intent := &order.MutationIntent{}

		var predicted float64

		err := rows.Scan(
			&intent.ID, &intent.Scope.ListID, &intent.Scope.ParentID,
			&intent.ItemID, &intent.PrevItemID, &intent.NextItemID,
			&predicted, &intent.OriginTS, &intent.Actor,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}

		intent.Predicted = position.Value(predicted)

		intents = append(intents, intent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}

	return intents, nil
}

// MarkSubmitted records that an intent left the device.
func (o *Outbox) MarkSubmitted(ctx context.Context, intentID string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET state = ? WHERE intent_id = ?`,
		outboxSubmitted, intentID)
	if err != nil {
		return fmt.Errorf("mark submitted %s: %w", intentID, err)
	}

	return nil
}

// Resolve removes an acknowledged intent from the queue.
func (o *Outbox) Resolve(ctx context.Context, intentID string) error {
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE intent_id = ?`, intentID)
	if err != nil {
		return fmt.Errorf("resolve intent %s: %w", intentID, err)
	}

	o.logger.Debug("intent resolved", "intent_id", intentID)

	return nil
}

// Abandon removes an intent that has not yet been transmitted. Returns
// ErrAlreadySubmitted when the intent already left the device.
func (o *Outbox) Abandon(ctx context.Context, intentID string) error {
	res, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE intent_id = ? AND state = ?`,
		intentID, outboxPending)
	if err != nil {
		return fmt.Errorf("abandon intent %s: %w", intentID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		var state string

		err := o.db.QueryRowContext(ctx,
			`SELECT state FROM outbox WHERE intent_id = ?`, intentID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read intent state %s: %w", intentID, err)
		}

		return fmt.Errorf("%w: %s", ErrAlreadySubmitted, intentID)
	}

	o.logger.Info("intent abandoned", "intent_id", intentID)

	return nil
}

// Depth returns the number of unacknowledged intents.
func (o *Outbox) Depth(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}

	return n, nil
}

// Close closes the outbox database.
func (o *Outbox) Close() error {
	if err := o.db.Close(); err != nil {
		return fmt.Errorf("close outbox: %w", err)
	}

	return nil
}
