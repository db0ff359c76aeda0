package medication

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/dispatch"
)

const (
	ProfileKind   = "medication_profile"
	ExtractedKind = "extracted_medication"
)

// ErrDeleted marks writes against a soft-deleted reconciled record. Callers
// must undelete first.
var ErrDeleted = errors.New("medication record is deleted")

// ResolvedOrigin says which layer a reconciled record's resolved view came
// from. Precedence is fixed: imported beats user-entered beats extracted.
type ResolvedOrigin string

const (
	OriginExtracted   ResolvedOrigin = "EXTRACTED"
	OriginUserEntered ResolvedOrigin = "USER_ENTERED"
	OriginImported    ResolvedOrigin = "IMPORTED"
)

// catalogSentinel is the "no catalog entry" id some upstreams send instead of
// an empty string.
const catalogSentinel = "0"

// Value is one normalized medication description.
type Value struct {
	Name             string `json:"name"`
	Strength         string `json:"strength,omitempty"`
	Dosage           string `json:"dosage,omitempty"`
	Form             string `json:"form,omitempty"`
	Route            string `json:"route,omitempty"`
	Frequency        string `json:"frequency,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
	Classification   string `json:"classification,omitempty"`
	StartDate        string `json:"start_date,omitempty"`
	EndDate          string `json:"end_date,omitempty"`
	DiscontinuedDate string `json:"discontinued_date,omitempty"`
	CatalogID        string `json:"catalog_id,omitempty"`
}

// CatalogLinked reports whether the value carries a real catalog id.
func (v Value) CatalogLinked() bool {
	return v.CatalogID != "" && v.CatalogID != catalogSentinel
}

// normalize lowercases and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (v Value) fingerprint() string {
	parts := []string{v.Name, v.Route, v.Form, v.Strength, v.Instructions, v.Classification}
	for i, p := range parts {
		parts[i] = normalize(p)
	}
	return strings.Join(parts, "|")
}

// Matches reports whether two values describe the same medication: catalog-id
// equality when both are catalog-linked, otherwise a normalized text match.
// The relation is reflexive and symmetric.
func (v Value) Matches(o Value) bool {
	if v.CatalogLinked() && o.CatalogLinked() {
		return v.CatalogID == o.CatalogID
	}
	return v.fingerprint() == o.fingerprint()
}

// dateLayouts are the formats upstream systems actually send.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"2006-01-02 15:04:05",
}

// parseDate parses leniently. Malformed dates are ignored by callers, never
// fatal.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// laterDate returns the more recent of two date strings, ignoring whichever
// side fails to parse.
func laterDate(cur, candidate string) string {
	curT, curOK := parseDate(cur)
	candT, candOK := parseDate(candidate)
	switch {
	case !candOK:
		return cur
	case !curOK:
		return candidate
	case candT.After(curT):
		return candidate
	default:
		return cur
	}
}

// ExtractedMedication is one medication instance found by extraction on one
// page of one document run.
type ExtractedMedication struct {
	dispatch.Root
	DocumentID uuid.UUID `json:"document_id"`
	PageNumber int       `json:"page_number"`
	RunID      string    `json:"run_id"`
	Deleted    bool      `json:"deleted"`
	Medication Value     `json:"medication"`

	MedispanStatus     string `json:"medispan_status,omitempty"`
	MedispanID         string `json:"medispan_id,omitempty"`
	MedispanMedication *Value `json:"medispan_medication,omitempty"`
}

func (ExtractedMedication) AggregateKind() string { return ExtractedKind }

// Resolved derives the extracted medication's view, preferring catalog-match
// fields over the raw extracted text where the match supplied them.
func (e *ExtractedMedication) Resolved() Value {
	out := e.Medication
	if e.MedispanMedication != nil {
		m := *e.MedispanMedication
		if m.Name != "" {
			out.Name = m.Name
		}
		if m.Strength != "" {
			out.Strength = m.Strength
		}
		if m.Form != "" {
			out.Form = m.Form
		}
		if m.Route != "" {
			out.Route = m.Route
		}
		if m.Classification != "" {
			out.Classification = m.Classification
		}
	}
	if e.MedispanID != "" {
		out.CatalogID = e.MedispanID
	}
	return out
}

// Reference is a provenance pointer from a reconciled record back to the
// extraction that produced it.
type Reference struct {
	ExtractedMedicationID uuid.UUID `json:"extracted_medication_id"`
	DocumentID            uuid.UUID `json:"document_id"`
	PageNumber            int       `json:"page_number"`
	RunID                 string    `json:"run_id"`
}

// ImportedMedication is a host-system medication value with its host-side
// identifier.
type ImportedMedication struct {
	Value
	HostID string `json:"host_id"`
}

// HostSyncStatus links a reconciled record to a host record without carrying
// a full imported payload.
type HostSyncStatus struct {
	HostID   string    `json:"host_id"`
	Status   string    `json:"status"`
	LinkedAt time.Time `json:"linked_at"`
}

// ReconcilledMedication is one row of the canonical per-patient profile.
// Rows are never hard-deleted; Deleted is a soft flag.
type ReconcilledMedication struct {
	ID                     uuid.UUID           `json:"id"`
	Medication             Value               `json:"medication"`
	UserEntered            *Value              `json:"user_entered_medication,omitempty"`
	Imported               *ImportedMedication `json:"imported_medication,omitempty"`
	HostSync               *HostSyncStatus     `json:"host_medication_sync_status,omitempty"`
	References             []Reference         `json:"extracted_medication_references"`
	Deleted                bool                `json:"deleted"`
	LatestStartDate        string              `json:"latest_start_date,omitempty"`
	LatestEndDate          string              `json:"latest_end_date,omitempty"`
	LatestDiscontinuedDate string              `json:"latest_discontinued_date,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// Resolved picks the record's effective medication value: imported, then
// user-entered, then extracted.
func (r *ReconcilledMedication) Resolved() Value {
	switch {
	case r.Imported != nil:
		return r.Imported.Value
	case r.UserEntered != nil:
		return *r.UserEntered
	default:
		return r.Medication
	}
}

func (r *ReconcilledMedication) ResolvedOrigin() ResolvedOrigin {
	switch {
	case r.Imported != nil:
		return OriginImported
	case r.UserEntered != nil:
		return OriginUserEntered
	default:
		return OriginExtracted
	}
}

// Unlisted is true when the resolved value has no real catalog entry.
func (r *ReconcilledMedication) Unlisted() bool {
	return !r.Resolved().CatalogLinked()
}

// HostID resolves the host-system identifier from the imported override or
// the sync-status link. Empty when the record is not host-linked.
func (r *ReconcilledMedication) HostID() string {
	if r.Imported != nil && r.Imported.HostID != "" {
		return r.Imported.HostID
	}
	if r.HostSync != nil {
		return r.HostSync.HostID
	}
	return ""
}

func (r *ReconcilledMedication) HostLinked() bool { return r.HostID() != "" }

// hasReference reports whether the exact provenance pointer is already
// folded in.
func (r *ReconcilledMedication) hasReference(ref Reference) bool {
	for _, got := range r.References {
		if got == ref {
			return true
		}
	}
	return false
}

// mergeDates folds a newer sighting's dates into the latest-date fields.
func (r *ReconcilledMedication) mergeDates(v Value) {
	r.LatestStartDate = laterDate(r.LatestStartDate, v.StartDate)
	r.LatestEndDate = laterDate(r.LatestEndDate, v.EndDate)
	r.LatestDiscontinuedDate = laterDate(r.LatestDiscontinuedDate, v.DiscontinuedDate)
}

// Profile is the canonical per-patient medication list. Created lazily on
// the first reconciliation event for a patient.
type Profile struct {
	dispatch.Root
	Medications []*ReconcilledMedication `json:"medications"`
}

func (Profile) AggregateKind() string { return ProfileKind }

// NewProfile builds an empty profile for a patient.
func NewProfile(appID, tenantID string, patientID uuid.UUID, actor string) *Profile {
	now := time.Now().UTC()
	return &Profile{
		Root: dispatch.Root{
			ID:        uuid.New(),
			AppID:     appID,
			TenantID:  tenantID,
			PatientID: patientID,
			CreatedAt: now,
			CreatedBy: actor,
			UpdatedAt: now,
			UpdatedBy: actor,
		},
	}
}

// Record returns the reconciled record with the given id, or nil.
func (p *Profile) Record(id uuid.UUID) *ReconcilledMedication {
	for _, r := range p.Medications {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Active returns the non-deleted records.
func (p *Profile) Active() []*ReconcilledMedication {
	out := make([]*ReconcilledMedication, 0, len(p.Medications))
	for _, r := range p.Medications {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out
}
