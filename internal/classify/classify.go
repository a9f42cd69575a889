// Package classify infers business fields from an appointment's free text.
// The engine is a pure function: no I/O, no global clock, no randomness.
// Rules run in a fixed priority order (explicit negation, then taxonomy
// match, then defaults), so re-running the engine over the same input always
// produces the same output.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ebarrios/citasync/internal/model"
)

// negationPhrases force attended=false when present in the event text,
// taking precedence over every other attendance signal including a stale
// manual "attended". Matched against folded text.
var negationPhrases = []string{
	"no asiste",
	"no asistio",
	"no se presenta",
	"no se presento",
	"inasistencia",
	"cita anulada",
}

// categoryRule maps a folded keyword to a taxonomy value. Rules are checked
// in order and the first match wins, so the more specific treatment keywords
// come before the generic "consulta"/"control".
type categoryRule struct {
	keyword  string
	category model.Category
}

var categoryRules = []categoryRule{
	{"inmunoterapia subcutanea", model.CategorySubcutanea},
	{"subcutanea", model.CategorySubcutanea},
	{"vacuna alergia", model.CategorySubcutanea},
	{"inmunoterapia sublingual", model.CategorySublingual},
	{"sublingual", model.CategorySublingual},
	{"prueba cutanea", model.CategoryPruebas},
	{"pruebas", model.CategoryPruebas},
	{"prick test", model.CategoryPruebas},
	{"consulta", model.CategoryConsulta},
	{"control", model.CategoryControl},
}

var (
	stageInicioRe    = regexp.MustCompile(`\b(inicio|iniciacion|fase inicial)\b`)
	stageMantenRe    = regexp.MustCompile(`\b(mantenimiento|mantencion)\b`)
	dosageRe         = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(ml|cc|mg|ui)\b`)
	controlInclRe    = regexp.MustCompile(`control\s+incluido`)
	controlNotInclRe = regexp.MustCompile(`(sin|no incluye)\s+control`)
)

// Classify derives business fields for an event from its free text, starting
// from the existing derived fields so that a pass with no signal for a field
// leaves it untouched. now is passed explicitly for the attendance-by-time
// heuristic; the engine never reads the clock itself.
func Classify(raw model.RawEvent, existing model.DerivedFields, now time.Time) model.DerivedFields {
	out := existing
	folded := Fold(raw.Title + "\n" + raw.Description)

	// Rule 1: explicit negation wins over everything, including a manual
	// attended=true that the triggering text has since contradicted.
	if matchesNegation(folded) {
		attended := false
		out.Attended = &attended
	} else if out.Attended == nil && raw.EndTime.Before(now) && !raw.EndTime.IsZero() {
		// Attendance-by-time heuristic: a past appointment with no contrary
		// signal is assumed attended. Future events stay unknown.
		attended := true
		out.Attended = &attended
	}

	// Rule 2: taxonomy match. No match leaves the previous category alone;
	// the engine never nulls out an assignment just because this pass found
	// no signal.
	for _, rule := range categoryRules {
		if strings.Contains(folded, rule.keyword) {
			c := rule.category
			out.Category = &c
			break
		}
	}

	// Rule 3: subcutaneous-only fields live and die with the category.
	if out.Category != nil && *out.Category == model.CategorySubcutanea {
		if m := stageInicioRe.FindString(folded); m != "" {
			s := model.StageInicio
			out.TreatmentStage = &s
		} else if m := stageMantenRe.FindString(folded); m != "" {
			s := model.StageMantenimiento
			out.TreatmentStage = &s
		}
		if m := dosageRe.FindStringSubmatch(folded); m != nil {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
				unit := m[2]
				out.DosageValue = &v
				out.DosageUnit = &unit
			}
		}
	} else {
		out.TreatmentStage = nil
		out.DosageValue = nil
		out.DosageUnit = nil
	}

	// Rule 4: amounts, only when the text carries a signal for them.
	if expected, paid := extractAmounts(folded); expected != nil || paid != nil {
		if expected != nil {
			out.AmountExpected = expected
		}
		if paid != nil {
			out.AmountPaid = paid
		}
	}

	// Rule 5: control inclusion.
	if controlInclRe.MatchString(folded) {
		v := true
		out.ControlIncluded = &v
	} else if controlNotInclRe.MatchString(folded) {
		v := false
		out.ControlIncluded = &v
	}

	return out
}

func matchesNegation(folded string) bool {
	for _, p := range negationPhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

// SourceHash fingerprints the source-of-truth fields classification depends
// on. A stored event is only reclassified during a sync when this hash
// changes, which is what keeps manually curated derived fields alive across
// resyncs of unchanged events.
func SourceHash(raw model.RawEvent) string {
	h := sha256.New()
	h.Write([]byte(raw.Title))
	h.Write([]byte{0})
	h.Write([]byte(raw.Description))
	h.Write([]byte{0})
	h.Write([]byte(raw.StartTime.UTC().Truncate(time.Second).Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(raw.EndTime.UTC().Truncate(time.Second).Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(raw.Status))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
