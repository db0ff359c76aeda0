package medication

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/dispatch"
)

// Wire names are fixed by the upstream producers, including the historical
// spelling of the profile command.
const (
	CmdCreateOrUpdateMedicationProfile dispatch.MessageType = "CreateorUpdateMedicationProfile"
	CmdAddUserEnteredMedication        dispatch.MessageType = "AddUserEnteredMedication"
	CmdUpdateUserEnteredMedication     dispatch.MessageType = "UpdateUserEnteredMedication"
	CmdDeleteReconcilledMedication     dispatch.MessageType = "DeleteReconcilledMedication"
	CmdUnDeleteReconcilledMedication   dispatch.MessageType = "UnDeleteReconcilledMedication"
	CmdImportMedications               dispatch.MessageType = "ImportMedications"
	CmdUpdateHostMedications           dispatch.MessageType = "UpdateHostMedications"
)

// ExtractedInput is the wire form of one extraction result.
type ExtractedInput struct {
	ID                 uuid.UUID `json:"id,omitempty"`
	DocumentID         uuid.UUID `json:"document_id"`
	PageNumber         int       `json:"page_number"`
	RunID              string    `json:"run_id"`
	Deleted            bool      `json:"deleted,omitempty"`
	Medication         Value     `json:"medication"`
	MedispanStatus     string    `json:"medispan_status,omitempty"`
	MedispanID         string    `json:"medispan_id,omitempty"`
	MedispanMedication *Value    `json:"medispan_medication,omitempty"`
}

type CreateOrUpdateProfileCommand struct {
	dispatch.CommandEnvelope
	Extracted []ExtractedInput `json:"extracted_medications"`
}

func (CreateOrUpdateProfileCommand) Type() dispatch.MessageType {
	return CmdCreateOrUpdateMedicationProfile
}

type AddUserEnteredCommand struct {
	dispatch.CommandEnvelope
	Medication Value  `json:"medication"`
	EditType   string `json:"edit_type,omitempty"`
}

func (AddUserEnteredCommand) Type() dispatch.MessageType {
	return CmdAddUserEnteredMedication
}

type UpdateUserEnteredCommand struct {
	dispatch.CommandEnvelope
	RecordID   uuid.UUID `json:"record_id"`
	Medication Value     `json:"medication"`
}

func (UpdateUserEnteredCommand) Type() dispatch.MessageType {
	return CmdUpdateUserEnteredMedication
}

type DeleteReconcilledCommand struct {
	dispatch.CommandEnvelope
	RecordID uuid.UUID `json:"record_id"`
}

func (DeleteReconcilledCommand) Type() dispatch.MessageType {
	return CmdDeleteReconcilledMedication
}

type UnDeleteReconcilledCommand struct {
	dispatch.CommandEnvelope
	RecordID uuid.UUID `json:"record_id"`
}

func (UnDeleteReconcilledCommand) Type() dispatch.MessageType {
	return CmdUnDeleteReconcilledMedication
}

type ImportMedicationsCommand struct {
	dispatch.CommandEnvelope
	Medications []ImportedMedication `json:"medications"`
}

func (ImportMedicationsCommand) Type() dispatch.MessageType {
	return CmdImportMedications
}

type UpdateHostMedicationsCommand struct {
	dispatch.CommandEnvelope
	Medications []ImportedMedication `json:"medications"`
}

func (UpdateHostMedicationsCommand) Type() dispatch.MessageType {
	return CmdUpdateHostMedications
}

// RegisterDecoders binds the wire decoders for the medication commands.
func RegisterDecoders(c *dispatch.Codec) {
	c.Register(CmdCreateOrUpdateMedicationProfile, decode[CreateOrUpdateProfileCommand])
	c.Register(CmdAddUserEnteredMedication, decode[AddUserEnteredCommand])
	c.Register(CmdUpdateUserEnteredMedication, decode[UpdateUserEnteredCommand])
	c.Register(CmdDeleteReconcilledMedication, decode[DeleteReconcilledCommand])
	c.Register(CmdUnDeleteReconcilledMedication, decode[UnDeleteReconcilledCommand])
	c.Register(CmdImportMedications, decode[ImportMedicationsCommand])
	c.Register(CmdUpdateHostMedications, decode[UpdateHostMedicationsCommand])
}

func decode[T dispatch.Message](raw []byte) (dispatch.Message, error) {
	var cmd T
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", cmd.Type(), err)
	}
	return withMessageID(cmd), nil
}

func withMessageID(msg dispatch.Message) dispatch.Message {
	if msg.MessageID() != uuid.Nil {
		return msg
	}
	switch m := msg.(type) {
	case CreateOrUpdateProfileCommand:
		m.ID = uuid.New()
		return m
	case AddUserEnteredCommand:
		m.ID = uuid.New()
		return m
	case UpdateUserEnteredCommand:
		m.ID = uuid.New()
		return m
	case DeleteReconcilledCommand:
		m.ID = uuid.New()
		return m
	case UnDeleteReconcilledCommand:
		m.ID = uuid.New()
		return m
	case ImportMedicationsCommand:
		m.ID = uuid.New()
		return m
	case UpdateHostMedicationsCommand:
		m.ID = uuid.New()
		return m
	}
	return msg
}
