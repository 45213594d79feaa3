package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/ptoivanen/ranksync/internal/position"
)

// walJournalSizeLimit caps the WAL file at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore implements the Store interface using an embedded SQLite
// database with WAL mode. Authoritative positions, scope revisions, the
// intent outcome journal, and the conflict ledger all live here.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	itemStmts     itemStatements
	scopeStmts    scopeStatements
	outcomeStmts  outcomeStatements
	conflictStmts conflictStatements
}

type itemStatements struct {
	get, insert, markDeleted, listScope, setPosition *sql.Stmt
}

type scopeStatements struct {
	getRevision, upsert, bumpRevision, list *sql.Stmt
}

type outcomeStatements struct {
	get, record *sql.Stmt
}

type conflictStatements struct {
	record, list *sql.Stmt
}

// NewStore creates a SQLiteStore, opening the database at dbPath, applying
// migrations, and preparing all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening positioning state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("positioning state database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL query constants ---

// Item queries.
const (
	sqlItemColumns = `id, list_id, parent_id, position,
		origin_ts, origin_actor, intent_id,
		is_deleted, deleted_at, created_at, updated_at`

	sqlGetItem = `SELECT ` + sqlItemColumns + ` FROM items WHERE id = ?`

	sqlInsertItem = `INSERT INTO items (` + sqlItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlMarkItemDeleted = `UPDATE items
		SET is_deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ?`

	// Ordered by position with origin timestamp and ID as deterministic
	// tie-breaks for transiently equal positions.
	sqlListScope = `SELECT ` + sqlItemColumns + `
		FROM items
		WHERE list_id = ? AND parent_id = ? AND is_deleted = 0
		ORDER BY position, origin_ts, id`

	sqlSetItemPosition = `INSERT INTO items (` + sqlItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			list_id      = excluded.list_id,
			parent_id    = excluded.parent_id,
			position     = excluded.position,
			origin_ts    = excluded.origin_ts,
			origin_actor = excluded.origin_actor,
			intent_id    = excluded.intent_id,
			updated_at   = excluded.updated_at`
)

// Scope queries.
const (
	sqlGetScopeRevision = `SELECT revision FROM scopes
		WHERE list_id = ? AND parent_id = ?`

	sqlUpsertScope = `INSERT INTO scopes (list_id, parent_id, revision, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(list_id, parent_id) DO NOTHING`

	sqlBumpScopeRevision = `UPDATE scopes
		SET revision = ?, updated_at = ?
		WHERE list_id = ? AND parent_id = ? AND revision = ?`

	sqlListScopes = `SELECT list_id, parent_id, revision, updated_at FROM scopes`
)

// Outcome journal queries.
const (
	sqlGetOutcome = `SELECT intent_id, item_id, list_id, parent_id,
		position, revision, state, rebalanced, resolved_at
		FROM intent_outcomes WHERE intent_id = ?`

	sqlRecordOutcome = `INSERT INTO intent_outcomes
		(intent_id, item_id, list_id, parent_id,
		 position, revision, state, rebalanced, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_id) DO NOTHING`
)

// Conflict ledger queries.
const (
	sqlRecordConflict = `INSERT INTO conflicts
		(id, intent_id, item_id, list_id, parent_id,
		 predicted, authoritative, divergence, actor, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListConflicts = `SELECT id, intent_id, item_id, list_id, parent_id,
		predicted, authoritative, divergence, actor, detected_at
		FROM conflicts WHERE list_id = ? AND parent_id = ?
		ORDER BY detected_at`
)

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.itemStmts.get, sqlGetItem, "getItem"},
		{&s.itemStmts.insert, sqlInsertItem, "insertItem"},
		{&s.itemStmts.markDeleted, sqlMarkItemDeleted, "markItemDeleted"},
		{&s.itemStmts.listScope, sqlListScope, "listScope"},
		{&s.itemStmts.setPosition, sqlSetItemPosition, "setItemPosition"},
		{&s.scopeStmts.getRevision, sqlGetScopeRevision, "getScopeRevision"},
		{&s.scopeStmts.upsert, sqlUpsertScope, "upsertScope"},
		{&s.scopeStmts.bumpRevision, sqlBumpScopeRevision, "bumpScopeRevision"},
		{&s.scopeStmts.list, sqlListScopes, "listScopes"},
		{&s.outcomeStmts.get, sqlGetOutcome, "getOutcome"},
		{&s.outcomeStmts.record, sqlRecordOutcome, "recordOutcome"},
		{&s.conflictStmts.record, sqlRecordConflict, "recordConflict"},
		{&s.conflictStmts.list, sqlListConflicts, "listConflicts"},
	})
}

// --- Scan helpers ---

// scanItem scans a full item row into an Item struct.
func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	item := &Item{}

	var pos float64

	err := row.Scan(
		&item.ID, &item.Scope.ListID, &item.Scope.ParentID, &pos,
		&item.OriginTS, &item.OriginActor, &item.IntentID,
		&item.IsDeleted, &item.DeletedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Position = position.Value(pos)

	return item, nil
}

// scanItemRows iterates over sql.Rows and collects Items.
func scanItemRows(rows *sql.Rows) ([]*Item, error) {
	var items []*Item

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}

	return items, nil
}

// itemArgs returns the argument slice for the insert statement.
func itemArgs(item *Item) []any {
	return []any{
		item.ID, item.Scope.ListID, item.Scope.ParentID, float64(item.Position),
		item.OriginTS, item.OriginActor, item.IntentID,
		item.IsDeleted, item.DeletedAt, item.CreatedAt, item.UpdatedAt,
	}
}

// --- Item methods ---

// GetItem retrieves a single item by ID, tombstoned or not.
// Returns (nil, nil) if no item exists; callers use the nil item to
// distinguish "new item" from "existing item".
func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (*Item, error) {
	s.logger.Debug("getting item", "item_id", itemID)

	item, err := scanItem(s.itemStmts.get.QueryRowContext(ctx, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}

	return item, nil
}

// InsertItem inserts a new item row. Used by external collaborators seeding
// items outside the mutation pipeline (imports, fixtures); positions set
// this way still count toward scope ordering.
func (s *SQLiteStore) InsertItem(ctx context.Context, item *Item) error {
	s.logger.Debug("inserting item",
		"item_id", item.ID, "scope", item.Scope.String())

	now := NowNano()
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}

	item.UpdatedAt = now

	if err := s.ensureScope(ctx, item.Scope); err != nil {
		return err
	}

	if _, err := s.itemStmts.insert.ExecContext(ctx, itemArgs(item)...); err != nil {
		return fmt.Errorf("insert item %s: %w", item.ID, err)
	}

	return nil
}

// MarkDeleted sets the tombstone fields on an item.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, itemID string, deletedAt int64) error {
	s.logger.Debug("marking item deleted", "item_id", itemID)

	_, err := s.itemStmts.markDeleted.ExecContext(ctx, deletedAt, NowNano(), itemID)
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", itemID, err)
	}

	return nil
}

// ListScope returns the scope's live items in position order.
func (s *SQLiteStore) ListScope(ctx context.Context, scope ScopeKey) ([]*Item, error) {
	s.logger.Debug("listing scope", "scope", scope.String())

	rows, err := s.itemStmts.listScope.QueryContext(ctx, scope.ListID, scope.ParentID)
	if err != nil {
		return nil, fmt.Errorf("list scope %s: %w", scope, err)
	}
	defer rows.Close()

	return scanItemRows(rows)
}

// --- Scope revision methods ---

// ensureScope creates the scope row with revision 0 if it does not exist.
func (s *SQLiteStore) ensureScope(ctx context.Context, scope ScopeKey) error {
	_, err := s.scopeStmts.upsert.ExecContext(ctx, scope.ListID, scope.ParentID, NowNano())
	if err != nil {
		return fmt.Errorf("ensure scope %s: %w", scope, err)
	}

	return nil
}

// ScopeRevision returns the scope's current revision counter, creating the
// scope at revision 0 on first reference.
func (s *SQLiteStore) ScopeRevision(ctx context.Context, scope ScopeKey) (int64, error) {
	var revision int64

	err := s.scopeStmts.getRevision.QueryRowContext(ctx, scope.ListID, scope.ParentID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.ensureScope(ctx, scope); err != nil {
			return 0, err
		}

		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("scope revision %s: %w", scope, err)
	}

	return revision, nil
}

// ListScopes returns a health snapshot for every known scope: item count and
// the smallest adjacent gap, for status output and the periodic auditor.
func (s *SQLiteStore) ListScopes(ctx context.Context) ([]ScopeInfo, error) {
	rows, err := s.scopeStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var infos []ScopeInfo

	for rows.Next() {
		var info ScopeInfo

		if err := rows.Scan(&info.Scope.ListID, &info.Scope.ParentID,
			&info.Revision, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scope row: %w", err)
		}

		infos = append(infos, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scope rows: %w", err)
	}

	// Fill item counts and gap health per scope. Scope counts are small in
	// practice (one list's children); the per-scope query keeps the
	// statement set simple.
	for i := range infos {
		items, err := s.ListScope(ctx, infos[i].Scope)
		if err != nil {
			return nil, err
		}

		positions := make([]position.Value, len(items))
		for j, it := range items {
			positions[j] = it.Position
		}

		infos[i].ItemCount = len(items)
		infos[i].MinGap = position.MinGap(positions)
	}

	return infos, nil
}

// --- Positioning writes ---

// PersistPosition upserts a single item's position under optimistic
// concurrency: the write only lands if the scope revision still equals
// expectedRevision, and the revision advances by one in the same
// transaction. Returns *StaleRevisionError when the scope moved.
func (s *SQLiteStore) PersistPosition(ctx context.Context, item *Item, expectedRevision int64) (int64, error) {
	s.logger.Debug("persisting position",
		"item_id", item.ID,
		"scope", item.Scope.String(),
		"position", float64(item.Position),
		"expected_revision", expectedRevision,
	)

	if err := s.ensureScope(ctx, item.Scope); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin persist tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	newRevision := expectedRevision + 1
	now := NowNano()

	res, err := tx.StmtContext(ctx, s.scopeStmts.bumpRevision).ExecContext(ctx,
		newRevision, now, item.Scope.ListID, item.Scope.ParentID, expectedRevision)
	if err != nil {
		return 0, fmt.Errorf("bump scope revision %s: %w", item.Scope, err)
	}

	if stale, staleErr := s.staleCheck(ctx, res, item.Scope, expectedRevision); staleErr != nil {
		return 0, staleErr
	} else if stale != nil {
		return 0, stale
	}

	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}

	item.UpdatedAt = now

	_, err = tx.StmtContext(ctx, s.itemStmts.setPosition).ExecContext(ctx,
		item.ID, item.Scope.ListID, item.Scope.ParentID, float64(item.Position),
		item.OriginTS, item.OriginActor, item.IntentID,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("set position for item %s: %w", item.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit persist: %w", err)
	}

	return newRevision, nil
}

// staleCheck converts a zero-row revision bump into a *StaleRevisionError
// carrying the actual revision.
func (s *SQLiteStore) staleCheck(
	ctx context.Context, res sql.Result, scope ScopeKey, expected int64,
) (*StaleRevisionError, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}

	if affected == 1 {
		return nil, nil
	}

	var actual int64
	if err := s.scopeStmts.getRevision.QueryRowContext(ctx,
		scope.ListID, scope.ParentID).Scan(&actual); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read actual revision %s: %w", scope, err)
	}

	return &StaleRevisionError{Scope: scope, Expected: expected, Actual: actual}, nil
}

// ApplyRebalancePlan re-spaces a whole scope in a single transaction. Either
// every entry lands and the revision advances to plan.Revision, or nothing
// changes: a partially rebalanced scope would violate the total-ordering
// invariant and is unrepresentable here.
func (s *SQLiteStore) ApplyRebalancePlan(ctx context.Context, plan *RebalancePlan) error {
	s.logger.Info("applying rebalance plan",
		"scope", plan.Scope.String(),
		"items", len(plan.Entries),
		"base_revision", plan.BaseRevision,
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebalance tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := NowNano()

	res, err := tx.StmtContext(ctx, s.scopeStmts.bumpRevision).ExecContext(ctx,
		plan.Revision, now, plan.Scope.ListID, plan.Scope.ParentID, plan.BaseRevision)
	if err != nil {
		return fmt.Errorf("bump scope revision %s: %w", plan.Scope, err)
	}

	if stale, staleErr := s.staleCheck(ctx, res, plan.Scope, plan.BaseRevision); staleErr != nil {
		return staleErr
	} else if stale != nil {
		return stale
	}

	for _, entry := range plan.Entries {
		res, err := tx.ExecContext(ctx,
			`UPDATE items SET position = ?, updated_at = ? WHERE id = ? AND is_deleted = 0`,
			float64(entry.Position), now, entry.ItemID,
		)
		if err != nil {
			return fmt.Errorf("rebalance item %s: %w", entry.ItemID, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for item %s: %w", entry.ItemID, err)
		}

		if affected != 1 {
			// An entry's item vanished between plan and apply: the plan is
			// stale. Roll back wholesale rather than apply a partial spacing.
			return &StaleRevisionError{
				Scope:    plan.Scope,
				Expected: plan.BaseRevision,
				Actual:   plan.BaseRevision,
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebalance: %w", err)
	}

	return nil
}

// --- Outcome journal methods ---

// GetOutcome retrieves the journaled outcome for an intent.
// Returns (nil, nil) when the intent has not been reconciled; the
// reconciler uses the nil outcome to distinguish fresh from re-delivered
// intents.
func (s *SQLiteStore) GetOutcome(ctx context.Context, intentID string) (*Outcome, error) {
	o := &Outcome{}

	var pos float64

	err := s.outcomeStmts.get.QueryRowContext(ctx, intentID).Scan(
		&o.IntentID, &o.ItemID, &o.Scope.ListID, &o.Scope.ParentID,
		&pos, &o.Revision, (*string)(&o.State), &o.Rebalanced, &o.ResolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil outcome means "not reconciled yet"
	}

	if err != nil {
		return nil, fmt.Errorf("get outcome %s: %w", intentID, err)
	}

	o.Position = position.Value(pos)

	return o, nil
}

// RecordOutcome journals a reconciliation outcome. Re-recording the same
// intent is a no-op: the first outcome is the authoritative one.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, outcome *Outcome) error {
	s.logger.Debug("recording outcome",
		"intent_id", outcome.IntentID, "state", string(outcome.State))

	_, err := s.outcomeStmts.record.ExecContext(ctx,
		outcome.IntentID, outcome.ItemID,
		outcome.Scope.ListID, outcome.Scope.ParentID,
		float64(outcome.Position), outcome.Revision,
		string(outcome.State), outcome.Rebalanced, outcome.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", outcome.IntentID, err)
	}

	return nil
}

// --- Conflict ledger methods ---

// RecordConflict inserts a divergence record into the ledger.
func (s *SQLiteStore) RecordConflict(ctx context.Context, record *ConflictRecord) error {
	s.logger.Debug("recording conflict",
		"id", record.ID, "intent_id", record.IntentID,
		"divergence", string(record.Divergence))

	_, err := s.conflictStmts.record.ExecContext(ctx,
		record.ID, record.IntentID, record.ItemID,
		record.Scope.ListID, record.Scope.ParentID,
		float64(record.Predicted), float64(record.Authoritative),
		string(record.Divergence), record.Actor, record.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("record conflict %s: %w", record.ID, err)
	}

	return nil
}

// ListConflicts returns the scope's divergence records in detection order.
func (s *SQLiteStore) ListConflicts(ctx context.Context, scope ScopeKey) ([]*ConflictRecord, error) {
	rows, err := s.conflictStmts.list.QueryContext(ctx, scope.ListID, scope.ParentID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts %s: %w", scope, err)
	}
	defer rows.Close()

	var records []*ConflictRecord

	for rows.Next() {
		r := &ConflictRecord{}

		var predicted, authoritative float64

		err := rows.Scan(
			&r.ID, &r.IntentID, &r.ItemID,
			&r.Scope.ListID, &r.Scope.ParentID,
			&predicted, &authoritative,
			(*string)(&r.Divergence), &r.Actor, &r.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}

		r.Predicted = position.Value(predicted)
		r.Authoritative = position.Value(authoritative)

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflict rows: %w", err)
	}

	return records, nil
}

// --- Maintenance ---

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing positioning state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.itemStmts.get, s.itemStmts.insert, s.itemStmts.markDeleted,
		s.itemStmts.listScope, s.itemStmts.setPosition,
		s.scopeStmts.getRevision, s.scopeStmts.upsert,
		s.scopeStmts.bumpRevision, s.scopeStmts.list,
		s.outcomeStmts.get, s.outcomeStmts.record,
		s.conflictStmts.record, s.conflictStmts.list,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
