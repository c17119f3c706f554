package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/buildcore/pkg/schema"
)

// EventLog persists lifecycle events with a per-build sequence number.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide the event log.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// eventPayload is the stored form of an event; the cause survives as text.
type eventPayload struct {
	schema.Event
	Cause string `json:"cause,omitempty"`
}

// AppendEvent stores e and returns its sequence number within the build.
func (el *EventLog) AppendEvent(ctx context.Context, e schema.Event) (int64, error) {
	if e.BuildID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event has no build id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	p := eventPayload{Event: e}
	if e.Cause != nil {
		p.Cause = schema.RootCause(e.Cause).Error()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	tx, err := el.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM build_events WHERE build_id = ?`, e.BuildID,
	).Scan(&seq)
	if err != nil {
		return 0, storeError("next event sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO build_events (build_id, sequence, kind, unit_id, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		e.BuildID, seq, string(e.Kind), nullStr(e.UnitID), string(payload), e.Timestamp.UnixMilli(),
	); err != nil {
		return 0, storeError("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit event", err)
	}
	return seq, nil
}

// GetEvents returns the events of a build with sequence > since, in order.
func (el *EventLog) GetEvents(ctx context.Context, buildID string, since int64) ([]*EventRecord, error) {
	rows, err := el.store.db.QueryContext(ctx,
		`SELECT build_id, sequence, kind, unit_id, payload, timestamp FROM build_events
		 WHERE build_id = ? AND sequence > ? ORDER BY sequence ASC`, buildID, since)
	if err != nil {
		return nil, storeError("read events", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var (
			e       EventRecord
			kind    string
			unitID  *string
			payload string
			ts      int64
		)
		if err := rows.Scan(&e.BuildID, &e.Sequence, &kind, &unitID, &payload, &ts); err != nil {
			return nil, storeError("scan event", err)
		}
		e.Kind = schema.EventKind(kind)
		if unitID != nil {
			e.UnitID = *unitID
		}
		e.Payload = json.RawMessage(payload)
		e.Timestamp = fromMillis(ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, e := range events {
		if want := since + int64(i) + 1; e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in build %s: expected %d, got %d", buildID, want, e.Sequence)
		}
	}
	return events, nil
}

// EventSink is a broadcast listener that appends every event to an EventLog.
// Write failures are logged and dropped.
type EventSink struct {
	log    *EventLog
	logger *slog.Logger
}

// NewEventSink creates a listener persisting into log.
func NewEventSink(log *EventLog, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{log: log, logger: logger}
}

// OnEvent implements streaming.Listener.
func (s *EventSink) OnEvent(e schema.Event) {
	if _, err := s.log.AppendEvent(context.Background(), e); err != nil {
		s.logger.Warn("failed to persist event",
			slog.String("build_id", e.BuildID),
			slog.String("kind", string(e.Kind)),
			slog.Any("error", err),
		)
	}
}
