package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/dispatch"
)

const cmdPing dispatch.MessageType = "Ping"

type pingCommand struct {
	dispatch.CommandEnvelope
	Note string `json:"note"`
}

func (pingCommand) Type() dispatch.MessageType { return cmdPing }

type fixture struct {
	handler  *Handler
	received []pingCommand
	fail     error
}

func newFixture() *fixture {
	f := &fixture{}

	codec := dispatch.NewCodec()
	codec.Register(cmdPing, func(raw []byte) (dispatch.Message, error) {
		var cmd pingCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, err
		}
		if cmd.ID == uuid.Nil {
			cmd.ID = uuid.New()
		}
		return cmd, nil
	})

	store := dispatch.NewMemoryStore()
	ledger := dispatch.NewMemoryLedger()
	disp := dispatch.NewDispatcher(zerolog.Nop(), ledger, func() dispatch.UnitOfWork {
		return dispatch.NewMemoryUnitOfWork(store, ledger)
	}, nil)
	disp.Register(cmdPing, func(_ context.Context, msg dispatch.Message, _ dispatch.UnitOfWork) error {
		if f.fail != nil {
			return f.fail
		}
		f.received = append(f.received, msg.(pingCommand))
		return nil
	})

	f.handler = NewHandler(zerolog.Nop(), codec, disp)
	return f
}

func (f *fixture) submit(t *testing.T, cmdType, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	f.handler.Register(e.Group(""))

	req := httptest.NewRequest(http.MethodPost, "/commands/"+cmdType, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitRoutesCommand(t *testing.T) {
	f := newFixture()
	rec := f.submit(t, "Ping", `{"note":"hello","cross_transaction_error_strict_mode":true}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(f.received) != 1 || f.received[0].Note != "hello" {
		t.Fatalf("received = %+v", f.received)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["message_id"] == "" || resp["type"] != "Ping" {
		t.Fatalf("response = %v", resp)
	}
}

func TestSubmitUnknownTypeIsNotFound(t *testing.T) {
	f := newFixture()
	rec := f.submit(t, "Nope", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubmitMalformedBodyIsBadRequest(t *testing.T) {
	f := newFixture()
	rec := f.submit(t, "Ping", `{"note":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitStrictHandlerFailure(t *testing.T) {
	f := newFixture()
	f.fail = fmt.Errorf("instance is terminal")

	rec := f.submit(t, "Ping", `{"cross_transaction_error_strict_mode":true}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestSubmitNonStrictFailureAbsorbed(t *testing.T) {
	f := newFixture()
	f.fail = fmt.Errorf("transient store hiccup")

	rec := f.submit(t, "Ping", `{}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 for a non-strict command", rec.Code)
	}
}
