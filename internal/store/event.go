package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ebarrios/citasync/internal/model"
	"github.com/ebarrios/citasync/internal/reconcile"
)

// derivedFieldColumns maps the configurable "required fields" names to their
// columns, for the pending-reclassification query.
var derivedFieldColumns = map[string]string{
	"category":         "category",
	"treatment_stage":  "treatment_stage",
	"dosage":           "dosage_value",
	"amount_expected":  "amount_expected",
	"amount_paid":      "amount_paid",
	"attended":         "attended",
	"control_included": "control_included",
}

// EventStore persists mirrored calendar events.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// DiffCounts reports what a diff application actually committed. On partial
// failure the counts reflect exactly the items that were written.
type DiffCounts struct {
	Inserted int
	Updated  int
	Skipped  int
	Excluded int
}

// ApplyDiff writes a reconciliation result. Each item is committed
// atomically on its own; a transient failure on one item is retried briefly,
// then counted as skipped without aborting the rest. A write the updated_at
// guard suppresses also counts as skipped, never as committed. progress, if non-nil,
// is called after each attempted item with the running attempt count.
func (s *EventStore) ApplyDiff(ctx context.Context, diff reconcile.Result, progress func(done int)) (DiffCounts, error) {
	var counts DiffCounts
	counts.Skipped = diff.SkippedInvalid

	done := 0
	step := func() {
		done++
		if progress != nil {
			progress(done)
		}
	}

	for _, item := range diff.Inserts {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		if err := s.writeWithRetry(ctx, func() error { return s.insert(ctx, item.Event) }); err != nil {
			counts.Skipped++
		} else {
			counts.Inserted++
		}
		step()
	}

	for _, item := range diff.Updates {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		if err := s.writeWithRetry(ctx, func() error { return s.update(ctx, item.Event) }); err != nil {
			counts.Skipped++
		} else {
			counts.Updated++
		}
		step()
	}

	for _, item := range diff.Excludes {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		if err := s.writeWithRetry(ctx, func() error {
			return s.markExcluded(ctx, item.Event.CalendarID, item.Event.EventID)
		}); err != nil {
			counts.Skipped++
		} else {
			counts.Excluded++
		}
		step()
	}

	return counts, nil
}

// writeWithRetry retries a single-item write on transient SQLITE_BUSY before
// giving up on that item.
func (s *EventStore) writeWithRetry(ctx context.Context, write func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := write()
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func (s *EventStore) insert(ctx context.Context, ev model.CalendarEvent) error {
	now := time.Now().UTC()
	args := []any{ev.CalendarID, ev.EventID, ev.Title, ev.Description, ev.StartTime.UTC(), ev.EndTime.UTC(),
		ev.Status, ev.Location, ev.Payload}
	args = append(args, derivedArgs(ev.Derived, ev.ClassifiedHash, now, now)...)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_events
		 (calendar_id, event_id, title, description, start_time, end_time, status, location, raw_payload,
		  category, treatment_stage, dosage_value, dosage_unit, amount_expected, amount_paid, attended,
		  control_included, payment_ref, classified_hash, excluded_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert calendar event: %w", err)
	}
	return nil
}

// update overwrites the source-of-truth fields and writes the derived fields
// the reconciliation carried forward or recomputed. The updated_at guard
// implements last-write-wins by write timestamp: a stale writer never
// clobbers a row a fresher writer already touched.
func (s *EventStore) update(ctx context.Context, ev model.CalendarEvent) error {
	now := time.Now().UTC()
	args := []any{ev.Title, ev.Description, ev.StartTime.UTC(), ev.EndTime.UTC(), ev.Status, ev.Location, ev.Payload}
	args = append(args, derivedOnlyArgs(ev.Derived)...)
	args = append(args, ev.ClassifiedHash, now, ev.CalendarID, ev.EventID, now)

	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET
		 title = ?, description = ?, start_time = ?, end_time = ?, status = ?, location = ?, raw_payload = ?,
		 category = ?, treatment_stage = ?, dosage_value = ?, dosage_unit = ?, amount_expected = ?,
		 amount_paid = ?, attended = ?, control_included = ?, payment_ref = ?,
		 classified_hash = ?, excluded_at = NULL, updated_at = ?
		 WHERE calendar_id = ? AND event_id = ? AND updated_at <= ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update calendar event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return errWriteSuperseded
	}
	return nil
}

func (s *EventStore) markExcluded(ctx context.Context, calendarID, eventID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendar_events SET excluded_at = ?, updated_at = ?
		 WHERE calendar_id = ? AND event_id = ? AND excluded_at IS NULL`,
		now, now, calendarID, eventID,
	)
	if err != nil {
		return fmt.Errorf("exclude calendar event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return errWriteSuperseded
	}
	return nil
}

// UpdateDerived writes only the derived field group, used by the
// reclassification runner and by manual overrides. The updated_at guard
// keeps a slow batch from clobbering a concurrent fresher write.
func (s *EventStore) UpdateDerived(ctx context.Context, calendarID, eventID string, d model.DerivedFields, classifiedHash string) error {
	now := time.Now().UTC()
	args := derivedOnlyArgs(d)
	args = append(args, classifiedHash, now, calendarID, eventID, now)

	var n int64
	err := s.writeWithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE calendar_events SET
			 category = ?, treatment_stage = ?, dosage_value = ?, dosage_unit = ?, amount_expected = ?,
			 amount_paid = ?, attended = ?, control_included = ?, payment_ref = ?,
			 classified_hash = ?, updated_at = ?
			 WHERE calendar_id = ? AND event_id = ? AND updated_at <= ?`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("update derived fields: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

// errWriteSuperseded marks a write the updated_at guard (or the excluded_at
// predicate) suppressed. The caller counts it as skipped, not committed.
var errWriteSuperseded = errors.New("write superseded by a fresher one")

// GetByKey returns one event, or (nil, nil) when it does not exist.
func (s *EventStore) GetByKey(ctx context.Context, calendarID, eventID string) (*model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE calendar_id = ? AND event_id = ?`, calendarID, eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query calendar event: %w", err)
	}
	return ev, nil
}

// ListByWindow returns events whose start time falls inside the window,
// ordered by start time. Excluded events are only returned when
// includeExcluded is set (the reconciler needs them to stay idempotent).
func (s *EventStore) ListByWindow(ctx context.Context, w model.Window, includeExcluded bool) ([]model.CalendarEvent, error) {
	q := selectColumns + ` WHERE start_time >= ? AND start_time < ?`
	if !includeExcluded {
		q += ` AND excluded_at IS NULL`
	}
	q += ` ORDER BY start_time ASC, event_id ASC`

	rows, err := s.db.QueryContext(ctx, q, w.Start.UTC(), w.End.UTC())
	if err != nil {
		return nil, fmt.Errorf("query calendar events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByCategory narrows a window listing to one taxonomy value.
func (s *EventStore) ListByCategory(ctx context.Context, w model.Window, c model.Category) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE start_time >= ? AND start_time < ? AND category = ? AND excluded_at IS NULL
		 ORDER BY start_time ASC, event_id ASC`,
		w.Start.UTC(), w.End.UTC(), string(c),
	)
	if err != nil {
		return nil, fmt.Errorf("query calendar events by category: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// pendingWhere builds the filter for events whose derived fields are
// incomplete per the configured required-fields set. The filter runs in SQL
// so pending-only batches never scan complete events.
func pendingWhere(required []string) string {
	clauses := make([]string, 0, len(required))
	for _, name := range required {
		col, ok := derivedFieldColumns[name]
		if !ok {
			continue
		}
		clauses = append(clauses, col+" IS NULL")
	}
	if len(clauses) == 0 {
		clauses = append(clauses, "category IS NULL")
	}
	return "excluded_at IS NULL AND (" + strings.Join(clauses, " OR ") + ")"
}

// CountPending counts events with incomplete derived fields.
func (s *EventStore) CountPending(ctx context.Context, required []string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calendar_events WHERE `+pendingWhere(required),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}

// ListPendingPage returns one page of incomplete events, keyed past the
// given rowid cursor. nextCursor is passed back in on the following call.
func (s *EventStore) ListPendingPage(ctx context.Context, required []string, cursor int64, limit int) ([]model.CalendarEvent, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumnsWithRowid+` WHERE rowid > ? AND `+pendingWhere(required)+` ORDER BY rowid ASC LIMIT ?`,
		cursor, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()
	return scanEventsWithRowid(rows)
}

// CountAll counts every non-excluded event.
func (s *EventStore) CountAll(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calendar_events WHERE excluded_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// ListPage returns one page of all non-excluded events past the rowid cursor.
func (s *EventStore) ListPage(ctx context.Context, cursor int64, limit int) ([]model.CalendarEvent, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumnsWithRowid+` WHERE rowid > ? AND excluded_at IS NULL ORDER BY rowid ASC LIMIT ?`,
		cursor, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query events page: %w", err)
	}
	defer rows.Close()
	return scanEventsWithRowid(rows)
}

// CollectionReport aggregates expected versus paid amounts over attended
// events in the window. Events with an unknown amount are counted but never
// summed: unknown is not zero.
type CollectionReport struct {
	Window          model.Window `json:"window"`
	AttendedCount   int          `json:"attended_count"`
	ExpectedTotal   int64        `json:"expected_total"`
	PaidTotal       int64        `json:"paid_total"`
	UnknownExpected int          `json:"unknown_expected"`
	UnknownPaid     int          `json:"unknown_paid"`
	CollectionRate  float64      `json:"collection_rate"`
}

func (s *EventStore) CollectionReport(ctx context.Context, w model.Window) (*CollectionReport, error) {
	rep := &CollectionReport{Window: w}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(amount_expected), 0),
		        COALESCE(SUM(amount_paid), 0),
		        COALESCE(SUM(CASE WHEN amount_expected IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN amount_paid IS NULL THEN 1 ELSE 0 END), 0)
		 FROM calendar_events
		 WHERE attended = 1 AND excluded_at IS NULL AND start_time >= ? AND start_time < ?`,
		w.Start.UTC(), w.End.UTC(),
	).Scan(&rep.AttendedCount, &rep.ExpectedTotal, &rep.PaidTotal, &rep.UnknownExpected, &rep.UnknownPaid)
	if err != nil {
		return nil, fmt.Errorf("collection report: %w", err)
	}

	if rep.ExpectedTotal > 0 {
		rep.CollectionRate = float64(rep.PaidTotal) / float64(rep.ExpectedTotal)
	}
	return rep, nil
}

const selectColumns = `SELECT calendar_id, event_id, title, description, start_time, end_time, status, location,
 raw_payload, category, treatment_stage, dosage_value, dosage_unit, amount_expected, amount_paid, attended,
 control_included, payment_ref, classified_hash, excluded_at, created_at, updated_at FROM calendar_events`

const selectColumnsWithRowid = `SELECT rowid, calendar_id, event_id, title, description, start_time, end_time, status, location,
 raw_payload, category, treatment_stage, dosage_value, dosage_unit, amount_expected, amount_paid, attended,
 control_included, payment_ref, classified_hash, excluded_at, created_at, updated_at FROM calendar_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventInto(sc rowScanner, rowid *int64) (*model.CalendarEvent, error) {
	var (
		ev         model.CalendarEvent
		category   sql.NullString
		stage      sql.NullString
		dosageVal  sql.NullFloat64
		dosageUnit sql.NullString
		expected   sql.NullInt64
		paid       sql.NullInt64
		attended   sql.NullInt64
		control    sql.NullInt64
		paymentRef sql.NullString
		excludedAt sql.NullTime
	)

	dest := []any{
		&ev.CalendarID, &ev.EventID, &ev.Title, &ev.Description, &ev.StartTime, &ev.EndTime,
		&ev.Status, &ev.Location, &ev.Payload,
		&category, &stage, &dosageVal, &dosageUnit, &expected, &paid, &attended, &control, &paymentRef,
		&ev.ClassifiedHash, &excludedAt, &ev.CreatedAt, &ev.UpdatedAt,
	}
	if rowid != nil {
		dest = append([]any{rowid}, dest...)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	if category.Valid {
		c := model.Category(category.String)
		ev.Derived.Category = &c
	}
	if stage.Valid {
		st := model.TreatmentStage(stage.String)
		ev.Derived.TreatmentStage = &st
	}
	if dosageVal.Valid {
		ev.Derived.DosageValue = &dosageVal.Float64
	}
	if dosageUnit.Valid {
		ev.Derived.DosageUnit = &dosageUnit.String
	}
	if expected.Valid {
		ev.Derived.AmountExpected = &expected.Int64
	}
	if paid.Valid {
		ev.Derived.AmountPaid = &paid.Int64
	}
	if attended.Valid {
		b := attended.Int64 != 0
		ev.Derived.Attended = &b
	}
	if control.Valid {
		b := control.Int64 != 0
		ev.Derived.ControlIncluded = &b
	}
	if paymentRef.Valid && paymentRef.String != "" {
		if ref, err := model.ParseTxnRef(paymentRef.String); err == nil {
			ev.Derived.PaymentRef = &ref
		}
	}
	if excludedAt.Valid {
		t := excludedAt.Time
		ev.ExcludedAt = &t
	}

	return &ev, nil
}

func scanEvent(sc rowScanner) (*model.CalendarEvent, error) {
	return scanEventInto(sc, nil)
}

func scanEvents(rows *sql.Rows) ([]model.CalendarEvent, error) {
	var events []model.CalendarEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

func scanEventsWithRowid(rows *sql.Rows) ([]model.CalendarEvent, int64, error) {
	var (
		events []model.CalendarEvent
		cursor int64
	)
	for rows.Next() {
		var rowid int64
		ev, err := scanEventInto(rows, &rowid)
		if err != nil {
			return nil, 0, fmt.Errorf("scan calendar event: %w", err)
		}
		events = append(events, *ev)
		cursor = rowid
	}
	return events, cursor, rows.Err()
}

func derivedArgs(d model.DerivedFields, hash string, createdAt, updatedAt time.Time) []any {
	args := derivedOnlyArgs(d)
	return append(args, hash, createdAt, updatedAt)
}

func derivedOnlyArgs(d model.DerivedFields) []any {
	var paymentRef any
	if d.PaymentRef != nil {
		paymentRef = d.PaymentRef.String()
	}
	return []any{
		nullableString((*string)(d.Category)),
		nullableString((*string)(d.TreatmentStage)),
		nullableFloat(d.DosageValue),
		nullableString(d.DosageUnit),
		nullableInt(d.AmountExpected),
		nullableInt(d.AmountPaid),
		nullableBool(d.Attended),
		nullableBool(d.ControlIncluded),
		paymentRef,
	}
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
