package medication

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reconciliation outcomes, used for logging and metrics labels.
const (
	OutcomeCreated           = "created"
	OutcomeFolded            = "folded"
	OutcomeDuplicate         = "duplicate"
	OutcomeSkippedDelete     = "skipped_deleted"
	OutcomeSkippedOverridden = "skipped_overridden"
	OutcomeAlreadyLinked     = "already_linked"
	OutcomeLinked            = "linked"
)

// ReconcileExtracted folds one extraction result into the profile and
// returns the outcome. The algorithm re-derives "does this already exist"
// from the profile's durable state on every call, so it is idempotent and
// insensitive to the ordering of concurrent extraction batches.
func (p *Profile) ReconcileExtracted(ex *ExtractedMedication, now time.Time) string {
	if ex.Deleted {
		return OutcomeSkippedDelete
	}

	resolved := ex.Resolved()
	ref := Reference{
		ExtractedMedicationID: ex.ID,
		DocumentID:            ex.DocumentID,
		PageNumber:            ex.PageNumber,
		RunID:                 ex.RunID,
	}

	// Only non-deleted records still resolving to their extracted value fold
	// new references in. A match against an overridden record is absorbed
	// without mutation: the user's or host's edit stands, and no second
	// record appears for the same medication.
	for _, rec := range p.Medications {
		if rec.Deleted || !rec.Resolved().Matches(resolved) {
			continue
		}
		if rec.ResolvedOrigin() != OriginExtracted {
			return OutcomeSkippedOverridden
		}
		if rec.hasReference(ref) {
			return OutcomeDuplicate
		}
		rec.References = append(rec.References, ref)
		rec.mergeDates(resolved)
		rec.UpdatedAt = now
		return OutcomeFolded
	}

	rec := &ReconcilledMedication{
		ID:                     uuid.New(),
		Medication:             resolved,
		References:             []Reference{ref},
		LatestStartDate:        resolved.StartDate,
		LatestEndDate:          resolved.EndDate,
		LatestDiscontinuedDate: resolved.DiscontinuedDate,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	p.Medications = append(p.Medications, rec)
	return OutcomeCreated
}

// AddUserEntered attaches a manual entry to a matching record that has no
// override yet, or creates a new record with no extraction provenance.
func (p *Profile) AddUserEntered(v Value, now time.Time) *ReconcilledMedication {
	for _, rec := range p.Medications {
		if rec.Deleted || rec.UserEntered != nil || rec.Imported != nil {
			continue
		}
		if rec.Medication.Matches(v) {
			entered := v
			rec.UserEntered = &entered
			rec.mergeDates(v)
			rec.UpdatedAt = now
			return rec
		}
	}

	entered := v
	rec := &ReconcilledMedication{
		ID:                     uuid.New(),
		Medication:             v,
		UserEntered:            &entered,
		LatestStartDate:        v.StartDate,
		LatestEndDate:          v.EndDate,
		LatestDiscontinuedDate: v.DiscontinuedDate,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	p.Medications = append(p.Medications, rec)
	return rec
}

// UpdateUserEntered replaces the manual override on an existing record.
func (p *Profile) UpdateUserEntered(recordID uuid.UUID, v Value, now time.Time) error {
	rec := p.Record(recordID)
	if rec == nil {
		return fmt.Errorf("reconciled medication %s not found in profile", recordID)
	}
	if rec.Deleted {
		return fmt.Errorf("update reconciled medication %s: %w", recordID, ErrDeleted)
	}
	entered := v
	rec.UserEntered = &entered
	rec.mergeDates(v)
	rec.UpdatedAt = now
	return nil
}

// ImportResult tells the caller what a host-system import did, so it can
// decide whether a write-back to the host is needed.
type ImportResult struct {
	RecordID uuid.UUID `json:"record_id"`
	HostID   string    `json:"host_id"`
	Found    bool      `json:"found"`
	Status   string    `json:"status"`
}

// ReconcileImported folds one host-system medication into the profile:
// host-id match first, then value match, otherwise a new record.
func (p *Profile) ReconcileImported(imp ImportedMedication, now time.Time) ImportResult {
	for _, rec := range p.Medications {
		if rec.HostID() == imp.HostID && imp.HostID != "" {
			return ImportResult{RecordID: rec.ID, HostID: imp.HostID, Found: true, Status: OutcomeAlreadyLinked}
		}
	}

	for _, rec := range p.Medications {
		if rec.Deleted {
			continue
		}
		if rec.Resolved().Matches(imp.Value) {
			imported := imp
			rec.Imported = &imported
			rec.mergeDates(imp.Value)
			rec.UpdatedAt = now
			return ImportResult{RecordID: rec.ID, HostID: imp.HostID, Found: true, Status: OutcomeLinked}
		}
	}

	imported := imp
	rec := &ReconcilledMedication{
		ID:                     uuid.New(),
		Medication:             imp.Value,
		Imported:               &imported,
		LatestStartDate:        imp.StartDate,
		LatestEndDate:          imp.EndDate,
		LatestDiscontinuedDate: imp.DiscontinuedDate,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	p.Medications = append(p.Medications, rec)
	return ImportResult{RecordID: rec.ID, HostID: imp.HostID, Found: false, Status: OutcomeCreated}
}

// PruneRemovedHost handles host records that disappeared from the host
// system. Records that still carry extraction provenance are demoted in
// place: the host link and override are dropped, the origin falls back to
// EXTRACTED, and the reference list is preserved untouched. Records with no
// other provenance are soft-deleted.
func (p *Profile) PruneRemovedHost(stillPresent map[string]bool, now time.Time) int {
	pruned := 0
	for _, rec := range p.Medications {
		hostID := rec.HostID()
		if hostID == "" || stillPresent[hostID] {
			continue
		}
		rec.Imported = nil
		rec.HostSync = nil
		if len(rec.References) == 0 {
			rec.Deleted = true
		}
		rec.UpdatedAt = now
		pruned++
	}
	return pruned
}

// Delete soft-deletes a record. Deleting an already deleted record is an
// invariant violation, not a no-op, so double submissions surface.
func (p *Profile) Delete(recordID uuid.UUID, now time.Time) error {
	rec := p.Record(recordID)
	if rec == nil {
		return fmt.Errorf("reconciled medication %s not found in profile", recordID)
	}
	if rec.Deleted {
		return fmt.Errorf("delete reconciled medication %s: %w", recordID, ErrDeleted)
	}
	rec.Deleted = true
	rec.UpdatedAt = now
	return nil
}

// Undelete restores a soft-deleted record.
func (p *Profile) Undelete(recordID uuid.UUID, now time.Time) error {
	rec := p.Record(recordID)
	if rec == nil {
		return fmt.Errorf("reconciled medication %s not found in profile", recordID)
	}
	if !rec.Deleted {
		return fmt.Errorf("reconciled medication %s is not deleted", recordID)
	}
	rec.Deleted = false
	rec.UpdatedAt = now
	return nil
}
