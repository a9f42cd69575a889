package model

import "time"

// Category is the closed taxonomy of appointment types. Free text is matched
// against it case- and diacritic-insensitively; anything that does not match
// leaves the stored category untouched.
type Category string

const (
	CategoryConsulta   Category = "consulta"
	CategorySubcutanea Category = "subcutanea"
	CategorySublingual Category = "sublingual"
	CategoryPruebas    Category = "pruebas"
	CategoryControl    Category = "control"
)

// Categories lists every valid taxonomy value.
var Categories = []Category{
	CategoryConsulta,
	CategorySubcutanea,
	CategorySublingual,
	CategoryPruebas,
	CategoryControl,
}

// ValidCategory reports whether c is a member of the taxonomy.
func ValidCategory(c Category) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// TreatmentStage applies only to subcutaneous immunotherapy appointments.
type TreatmentStage string

const (
	StageInicio        TreatmentStage = "inicio"
	StageMantenimiento TreatmentStage = "mantenimiento"
)

// DerivedFields are the business fields inferred from free text or set by a
// manual override. They are never present in the remote source, and a resync
// must not reset them unless the source fields they were derived from changed.
// Nil pointers mean "unknown", which is distinct from zero for the amount
// fields: collection-rate math must skip unknowns, not count them as zero.
type DerivedFields struct {
	Category        *Category       `json:"category"`
	TreatmentStage  *TreatmentStage `json:"treatment_stage"`
	DosageValue     *float64        `json:"dosage_value"`
	DosageUnit      *string         `json:"dosage_unit"`
	AmountExpected  *int64          `json:"amount_expected"`
	AmountPaid      *int64          `json:"amount_paid"`
	Attended        *bool           `json:"attended"`
	ControlIncluded *bool           `json:"control_included"`
	PaymentRef      *TxnRef         `json:"payment_ref,omitempty"`
}

// Equal reports whether both derived field sets carry the same values.
func (d DerivedFields) Equal(o DerivedFields) bool {
	return ptrEq(d.Category, o.Category) &&
		ptrEq(d.TreatmentStage, o.TreatmentStage) &&
		ptrEq(d.DosageValue, o.DosageValue) &&
		ptrEq(d.DosageUnit, o.DosageUnit) &&
		ptrEq(d.AmountExpected, o.AmountExpected) &&
		ptrEq(d.AmountPaid, o.AmountPaid) &&
		ptrEq(d.Attended, o.Attended) &&
		ptrEq(d.ControlIncluded, o.ControlIncluded) &&
		ptrEq(d.PaymentRef, o.PaymentRef)
}

func ptrEq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RawEvent is an event as returned by a remote calendar source, before
// reconciliation. CalendarID and EventID are opaque identifiers assigned by
// the provider; an item without an EventID is invalid and is skipped (and
// counted) during reconciliation.
type RawEvent struct {
	CalendarID  string    `json:"calendar_id"`
	EventID     string    `json:"event_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	Payload     string    `json:"-"`
}

// CalendarEvent is a mirrored remote event plus its derived fields.
// The source-of-truth group (Title through Payload) is overwritten from the
// remote snapshot on every sync; the derived group is preserved across
// resyncs unless its source fields changed (tracked via ClassifiedHash).
type CalendarEvent struct {
	CalendarID  string    `json:"calendar_id"`
	EventID     string    `json:"event_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	Payload     string    `json:"-"`

	Derived        DerivedFields `json:"derived"`
	ClassifiedHash string        `json:"-"`

	ExcludedAt *time.Time `json:"excluded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Raw converts the stored source-of-truth fields back into a RawEvent, used
// when reclassifying stored events without touching the remote source.
func (e CalendarEvent) Raw() RawEvent {
	return RawEvent{
		CalendarID:  e.CalendarID,
		EventID:     e.EventID,
		Title:       e.Title,
		Description: e.Description,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		Status:      e.Status,
		Location:    e.Location,
		Payload:     e.Payload,
	}
}

// Window is the date range a sync run covers. Excludes are only ever emitted
// for events whose start falls inside the window: a narrow-window sync must
// never wipe events it did not ask the remote source about.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies inside the window (start inclusive,
// end exclusive).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
