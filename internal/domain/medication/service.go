package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/platform/flags"
	"github.com/recordflow/recordflow/internal/platform/telemetry"
)

// Service owns the reconciliation operations over patient profiles.
type Service struct {
	log     zerolog.Logger
	repo    Repository
	flags   *flags.Provider
	metrics *telemetry.Metrics

	now func() time.Time
}

func NewService(log zerolog.Logger, repo Repository, provider *flags.Provider, metrics *telemetry.Metrics) *Service {
	return &Service{
		log:     log,
		repo:    repo,
		flags:   provider,
		metrics: metrics,
		now:     time.Now,
	}
}

// RegisterHandlers binds the medication commands to the dispatcher.
func (s *Service) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(CmdCreateOrUpdateMedicationProfile, s.handleReconcileExtracted)
	d.Register(CmdAddUserEnteredMedication, s.handleAddUserEntered)
	d.Register(CmdUpdateUserEnteredMedication, s.handleUpdateUserEntered)
	d.Register(CmdDeleteReconcilledMedication, s.handleDelete)
	d.Register(CmdUnDeleteReconcilledMedication, s.handleUndelete)
	d.Register(CmdImportMedications, s.handleImport)
	d.Register(CmdUpdateHostMedications, s.handleUpdateHost)
}

// profile loads the patient's profile, creating it lazily. The second return
// tells the caller whether the aggregate is new or loaded.
func (s *Service) profile(ctx context.Context, appID, tenantID string, patientID uuid.UUID, actor string) (*Profile, bool, error) {
	prof, err := s.repo.GetProfileByPatient(ctx, patientID)
	if err == nil {
		return prof, false, nil
	}
	if !errors.Is(err, dispatch.ErrNotFound) {
		return nil, false, fmt.Errorf("load profile for patient %s: %w", patientID, err)
	}
	return NewProfile(appID, tenantID, patientID, actor), true, nil
}

func register(sink dispatch.Sink, prof *Profile, isNew bool) {
	if isNew {
		sink.RegisterNew(prof)
	} else {
		sink.RegisterDirty(prof)
	}
}

// collapseSpace trims and collapses whitespace runs while preserving case.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (s *Service) handleReconcileExtracted(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(CreateOrUpdateProfileCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}

	tenant, err := s.flags.Get(ctx, cmd.AppID, cmd.TenantID)
	if err != nil {
		return fmt.Errorf("resolve flags: %w", err)
	}
	if !tenant.PersistExtraction {
		s.log.Info().
			Str("patient_id", cmd.PatientID.String()).
			Msg("extraction persistence disabled for tenant, skipping")
		return nil
	}

	prof, isNew, err := s.profile(ctx, cmd.AppID, cmd.TenantID, cmd.PatientID, cmd.Actor())
	if err != nil {
		return err
	}

	now := s.now().UTC()
	for _, in := range cmd.Extracted {
		ex := s.buildExtracted(cmd, in, now)
		uow.RegisterNew(ex)

		outcome := prof.ReconcileExtracted(ex, now)
		if s.metrics != nil {
			s.metrics.ReconcileMerges.WithLabelValues(outcome).Inc()
		}
		s.log.Debug().
			Str("extracted_id", ex.ID.String()).
			Str("outcome", outcome).
			Str("medication", ex.Medication.Name).
			Msg("extracted medication reconciled")
	}

	prof.Touch(cmd.Actor(), now)
	register(uow, prof, isNew)
	return nil
}

func (s *Service) buildExtracted(cmd CreateOrUpdateProfileCommand, in ExtractedInput, now time.Time) *ExtractedMedication {
	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	med := in.Medication
	med.Dosage = collapseSpace(med.Dosage)
	med.Instructions = collapseSpace(med.Instructions)
	return &ExtractedMedication{
		Root: dispatch.Root{
			ID:        id,
			AppID:     cmd.AppID,
			TenantID:  cmd.TenantID,
			PatientID: cmd.PatientID,
			CreatedAt: now,
			CreatedBy: cmd.Actor(),
			UpdatedAt: now,
			UpdatedBy: cmd.Actor(),
		},
		DocumentID:         in.DocumentID,
		PageNumber:         in.PageNumber,
		RunID:              in.RunID,
		Deleted:            in.Deleted,
		Medication:         med,
		MedispanStatus:     in.MedispanStatus,
		MedispanID:         in.MedispanID,
		MedispanMedication: in.MedispanMedication,
	}
}

func (s *Service) handleAddUserEntered(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(AddUserEnteredCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}
	if cmd.Medication.Name == "" {
		return fmt.Errorf("medication name is required")
	}

	prof, isNew, err := s.profile(ctx, cmd.AppID, cmd.TenantID, cmd.PatientID, cmd.Actor())
	if err != nil {
		return err
	}

	now := s.now().UTC()
	rec := prof.AddUserEntered(cmd.Medication, now)
	s.log.Info().
		Str("record_id", rec.ID.String()).
		Str("edit_type", cmd.EditType).
		Msg("user-entered medication recorded")

	prof.Touch(cmd.Actor(), now)
	register(uow, prof, isNew)
	return nil
}

func (s *Service) handleUpdateUserEntered(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(UpdateUserEnteredCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}

	prof, err := s.repo.GetProfileByPatient(ctx, cmd.PatientID)
	if err != nil {
		return fmt.Errorf("load profile for patient %s: %w", cmd.PatientID, err)
	}

	now := s.now().UTC()
	if err := prof.UpdateUserEntered(cmd.RecordID, cmd.Medication, now); err != nil {
		return err
	}
	prof.Touch(cmd.Actor(), now)
	uow.RegisterDirty(prof)
	return nil
}

func (s *Service) handleDelete(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(DeleteReconcilledCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}

	prof, err := s.repo.GetProfileByPatient(ctx, cmd.PatientID)
	if err != nil {
		return fmt.Errorf("load profile for patient %s: %w", cmd.PatientID, err)
	}

	now := s.now().UTC()
	if err := prof.Delete(cmd.RecordID, now); err != nil {
		return err
	}
	prof.Touch(cmd.Actor(), now)
	uow.RegisterDirty(prof)
	return nil
}

func (s *Service) handleUndelete(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(UnDeleteReconcilledCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}

	prof, err := s.repo.GetProfileByPatient(ctx, cmd.PatientID)
	if err != nil {
		return fmt.Errorf("load profile for patient %s: %w", cmd.PatientID, err)
	}

	now := s.now().UTC()
	if err := prof.Undelete(cmd.RecordID, now); err != nil {
		return err
	}
	prof.Touch(cmd.Actor(), now)
	uow.RegisterDirty(prof)
	return nil
}

func (s *Service) handleImport(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(ImportMedicationsCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}

	prof, isNew, err := s.profile(ctx, cmd.AppID, cmd.TenantID, cmd.PatientID, cmd.Actor())
	if err != nil {
		return err
	}

	now := s.now().UTC()
	for _, imp := range cmd.Medications {
		result := prof.ReconcileImported(imp, now)
		if s.metrics != nil {
			s.metrics.ReconcileMerges.WithLabelValues(result.Status).Inc()
		}
		s.log.Info().
			Str("record_id", result.RecordID.String()).
			Str("host_id", result.HostID).
			Str("status", result.Status).
			Bool("found", result.Found).
			Msg("imported medication reconciled")
	}

	prof.Touch(cmd.Actor(), now)
	register(uow, prof, isNew)
	return nil
}

func (s *Service) handleUpdateHost(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(UpdateHostMedicationsCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}

	prof, isNew, err := s.profile(ctx, cmd.AppID, cmd.TenantID, cmd.PatientID, cmd.Actor())
	if err != nil {
		return err
	}

	now := s.now().UTC()
	stillPresent := make(map[string]bool, len(cmd.Medications))
	for _, imp := range cmd.Medications {
		if imp.HostID != "" {
			stillPresent[imp.HostID] = true
		}
		result := prof.ReconcileImported(imp, now)
		if s.metrics != nil {
			s.metrics.ReconcileMerges.WithLabelValues(result.Status).Inc()
		}
	}

	pruned := prof.PruneRemovedHost(stillPresent, now)
	if pruned > 0 {
		s.log.Info().
			Str("patient_id", cmd.PatientID.String()).
			Int("pruned", pruned).
			Msg("host medications no longer present pruned")
	}

	prof.Touch(cmd.Actor(), now)
	register(uow, prof, isNew)
	return nil
}
