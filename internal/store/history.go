package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/buildcore/pkg/schema"
)

const defaultHistoryLimit = 50

// HistoryStore records finished builds and their per-unit outcomes.
type HistoryStore struct {
	store *LibSQLStore
}

// NewHistoryStore wraps a LibSQLStore for build history.
func NewHistoryStore(s *LibSQLStore) *HistoryStore {
	return &HistoryStore{store: s}
}

// RecordReport stores a finished build under its build id. Recording the
// same build twice is a CONFLICT.
func (h *HistoryStore) RecordReport(ctx context.Context, name string, r *schema.BuildReport) error {
	if r == nil || r.BuildID == "" {
		return schema.NewError(schema.ErrCodeValidation, "report has no build id")
	}
	report, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin record", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM builds WHERE id = ?`, r.BuildID).Scan(&exists)
	if err != nil {
		return storeError("check build", err)
	}
	if exists > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "build %q already recorded", r.BuildID)
	}

	cancelled := 0
	if r.Cancelled {
		cancelled = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO builds (id, name, policy, status, cancelled, started_at, duration_ms, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.BuildID, nullStr(name), string(r.Policy), string(statusOf(r)), cancelled,
		toMillis(r.StartedAt), r.Duration.Milliseconds(), string(report),
	); err != nil {
		return storeError("insert build", err)
	}

	for _, o := range outcomesOf(r) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unit_outcomes (build_id, unit_id, position, state, cause) VALUES (?, ?, ?, ?, ?)`,
			r.BuildID, o.UnitID, o.Position, string(o.State), nullStr(o.Cause),
		); err != nil {
			return storeError("insert unit outcome", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit build", err)
	}
	return nil
}

func outcomesOf(r *schema.BuildReport) []UnitOutcome {
	causes := make(map[string]string, len(r.Failures))
	for _, f := range r.Failures {
		if f.Cause != nil {
			causes[f.UnitID] = schema.RootCause(f.Cause).Error()
		}
	}
	out := make([]UnitOutcome, 0, len(r.PlannedOrder))
	for i, id := range r.PlannedOrder {
		state := r.StateOf(id)
		if !state.IsTerminal() {
			state = UnitStateUnexecuted
		}
		out = append(out, UnitOutcome{UnitID: id, Position: i, State: state, Cause: causes[id]})
	}
	return out
}

// GetBuild returns a recorded build with its unit outcomes in planned order.
func (h *HistoryStore) GetBuild(ctx context.Context, id string) (*BuildRecord, error) {
	row := h.store.db.QueryRowContext(ctx,
		`SELECT id, name, policy, status, started_at, duration_ms, report FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("build", id)
	}
	if err != nil {
		return nil, storeError("read build", err)
	}

	rows, err := h.store.db.QueryContext(ctx,
		`SELECT unit_id, position, state, cause FROM unit_outcomes WHERE build_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, storeError("read unit outcomes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o UnitOutcome
		var state string
		var cause sql.NullString
		if err := rows.Scan(&o.UnitID, &o.Position, &state, &cause); err != nil {
			return nil, storeError("scan unit outcome", err)
		}
		o.State = schema.UnitState(state)
		o.Cause = cause.String
		b.Outcomes = append(b.Outcomes, o)
	}
	return b, rows.Err()
}

// ListBuilds returns recorded builds, newest first, without reports.
func (h *HistoryStore) ListBuilds(ctx context.Context, filter BuildFilter) ([]*BuildRecord, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	query := `SELECT id, name, policy, status, started_at, duration_ms, '' FROM builds`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := h.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list builds", err)
	}
	defer rows.Close()

	var builds []*BuildRecord
	for rows.Next() {
		b, err := scanBuild(rows, false)
		if err != nil {
			return nil, storeError("scan build", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// DeleteBefore removes builds that started before cutoff, with their outcomes.
func (h *HistoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := h.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin delete", err)
	}
	defer tx.Rollback()

	ms := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM unit_outcomes WHERE build_id IN (SELECT id FROM builds WHERE started_at < ?)`, ms); err != nil {
		return 0, storeError("delete unit outcomes", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM build_events WHERE build_id IN (SELECT id FROM builds WHERE started_at < ?)`, ms); err != nil {
		return 0, storeError("delete build events", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE started_at < ?`, ms)
	if err != nil {
		return 0, storeError("delete builds", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("delete builds", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit delete", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner, withReport bool) (*BuildRecord, error) {
	b := &BuildRecord{}
	var (
		name                  sql.NullString
		policy, status        string
		startedMs, durationMs int64
		report                string
	)
	if err := row.Scan(&b.ID, &name, &policy, &status, &startedMs, &durationMs, &report); err != nil {
		return nil, err
	}
	b.Name = name.String
	b.Policy = schema.FailurePolicy(policy)
	b.Status = BuildStatus(status)
	b.StartedAt = fromMillis(startedMs)
	b.Duration = time.Duration(durationMs) * time.Millisecond
	if withReport && report != "" {
		b.Report = json.RawMessage(report)
	}
	return b, nil
}
