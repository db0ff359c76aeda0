package medication

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func lisinopril() Value {
	return Value{
		Name:     "Lisinopril",
		Strength: "10mg",
		Dosage:   "10mg",
		Form:     "Tablet",
		Route:    "Oral",
	}
}

func TestMatchesReflexive(t *testing.T) {
	v := lisinopril()
	if !v.Matches(v) {
		t.Fatal("a value must match itself")
	}
}

func TestMatchesSymmetricUnderNormalization(t *testing.T) {
	a := lisinopril()
	b := Value{
		Name:     "  lisinopril ",
		Strength: "10MG",
		Form:     "tablet",
		Route:    "ORAL ",
	}
	if !a.Matches(b) || !b.Matches(a) {
		t.Fatal("whitespace and case differences must not break the match")
	}
}

func TestMatchesByCatalogID(t *testing.T) {
	a := lisinopril()
	a.CatalogID = "12345"
	b := Value{Name: "Lisinopril (Prinivil)", CatalogID: "12345"}
	if !a.Matches(b) {
		t.Fatal("catalog-linked values match on id regardless of text")
	}

	c := Value{Name: "Lisinopril", Strength: "10mg", Form: "Tablet", Route: "Oral", CatalogID: "99999"}
	if a.Matches(c) {
		t.Fatal("different catalog ids must not match")
	}
}

func TestCatalogSentinelMeansUnlinked(t *testing.T) {
	a := lisinopril()
	a.CatalogID = "0"
	if a.CatalogLinked() {
		t.Fatal("the sentinel id is not a catalog link")
	}
	b := lisinopril()
	b.CatalogID = "12345"
	// One side unlinked falls back to the text match.
	if !a.Matches(b) {
		t.Fatal("sentinel-id value should text-match an otherwise equal value")
	}
}

func TestMatchIgnoresDosageAndFrequency(t *testing.T) {
	a := lisinopril()
	b := lisinopril()
	b.Dosage = "20mg"
	b.Frequency = "BID"
	if !a.Matches(b) {
		t.Fatal("dosage and frequency are not part of the identity match")
	}
}

func TestResolvedPrecedence(t *testing.T) {
	rec := &ReconcilledMedication{ID: uuid.New(), Medication: lisinopril()}
	if rec.ResolvedOrigin() != OriginExtracted {
		t.Fatalf("origin = %s, want EXTRACTED", rec.ResolvedOrigin())
	}

	entered := lisinopril()
	entered.Dosage = "20mg"
	rec.UserEntered = &entered
	if rec.ResolvedOrigin() != OriginUserEntered || rec.Resolved().Dosage != "20mg" {
		t.Fatal("user-entered override should win over extracted")
	}

	imported := ImportedMedication{Value: lisinopril(), HostID: "host-1"}
	imported.Dosage = "40mg"
	rec.Imported = &imported
	if rec.ResolvedOrigin() != OriginImported || rec.Resolved().Dosage != "40mg" {
		t.Fatal("imported override should win over user-entered")
	}
}

func TestUnlisted(t *testing.T) {
	rec := &ReconcilledMedication{Medication: lisinopril()}
	if !rec.Unlisted() {
		t.Fatal("no catalog id means unlisted")
	}
	rec.Medication.CatalogID = "0"
	if !rec.Unlisted() {
		t.Fatal("sentinel catalog id means unlisted")
	}
	rec.Medication.CatalogID = "12345"
	if rec.Unlisted() {
		t.Fatal("a real catalog id means listed")
	}
}

func TestHostLinked(t *testing.T) {
	rec := &ReconcilledMedication{Medication: lisinopril()}
	if rec.HostLinked() {
		t.Fatal("no link expected")
	}
	rec.HostSync = &HostSyncStatus{HostID: "host-9", Status: "synced"}
	if !rec.HostLinked() || rec.HostID() != "host-9" {
		t.Fatal("sync status should resolve the host id")
	}
	rec.Imported = &ImportedMedication{Value: lisinopril(), HostID: "host-1"}
	if rec.HostID() != "host-1" {
		t.Fatal("imported override host id should win")
	}
}

func TestExtractedResolvedPrefersCatalogMatch(t *testing.T) {
	ex := &ExtractedMedication{
		Medication: Value{Name: "lisinopril tab", Strength: "10 mg", Dosage: "10mg"},
		MedispanID: "12345",
		MedispanMedication: &Value{
			Name:           "Lisinopril",
			Strength:       "10mg",
			Form:           "Tablet",
			Route:          "Oral",
			Classification: "ACE Inhibitor",
		},
	}
	got := ex.Resolved()
	if got.Name != "Lisinopril" || got.Form != "Tablet" || got.CatalogID != "12345" {
		t.Fatalf("resolved = %+v, want catalog fields preferred", got)
	}
	if got.Dosage != "10mg" {
		t.Fatal("fields the catalog match did not supply stay extracted")
	}
}

func TestLaterDate(t *testing.T) {
	if got := laterDate("2024-01-01", "2025-06-01"); got != "2025-06-01" {
		t.Fatalf("laterDate = %q, want the newer date", got)
	}
	if got := laterDate("2025-06-01", "2024-01-01"); got != "2025-06-01" {
		t.Fatalf("laterDate = %q, want the newer date kept", got)
	}
	if got := laterDate("2025-06-01", "not a date"); got != "2025-06-01" {
		t.Fatalf("laterDate = %q, malformed candidate must be ignored", got)
	}
	if got := laterDate("", "03/15/2025"); got != "03/15/2025" {
		t.Fatalf("laterDate = %q, empty current should take the candidate", got)
	}
}

func TestParseDateLayouts(t *testing.T) {
	for _, s := range []string{"2025-03-15", "03/15/2025", "2025-03-15T10:00:00Z"} {
		if _, ok := parseDate(s); !ok {
			t.Fatalf("parseDate(%q) should succeed", s)
		}
	}
	if _, ok := parseDate("soon"); ok {
		t.Fatal("malformed date should not parse")
	}
}

func TestProfileRecordAndActive(t *testing.T) {
	p := NewProfile("app", "tenant", uuid.New(), "tester")
	a := &ReconcilledMedication{ID: uuid.New(), Medication: lisinopril(), CreatedAt: time.Now()}
	b := &ReconcilledMedication{ID: uuid.New(), Medication: lisinopril(), Deleted: true}
	p.Medications = []*ReconcilledMedication{a, b}

	if p.Record(a.ID) != a {
		t.Fatal("Record should find by id")
	}
	if p.Record(uuid.New()) != nil {
		t.Fatal("unknown id should return nil")
	}
	if active := p.Active(); len(active) != 1 || active[0] != a {
		t.Fatal("Active should exclude soft-deleted records")
	}
}
