// Package intake is the generic command front door. Producers POST a command
// by wire name; the codec picks the concrete payload and the dispatcher runs
// it through the idempotency ledger. The surface knows no domain types, so
// new commands only need a decoder and a handler registration.
package intake

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/dispatch"
)

type Handler struct {
	log   zerolog.Logger
	codec *dispatch.Codec
	disp  *dispatch.Dispatcher
}

func NewHandler(log zerolog.Logger, codec *dispatch.Codec, disp *dispatch.Dispatcher) *Handler {
	return &Handler{log: log, codec: codec, disp: disp}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/commands/:type", h.submit)
}

func (h *Handler) submit(c echo.Context) error {
	msgType := dispatch.MessageType(c.Param("type"))

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	msg, err := h.codec.Decode(msgType, body)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownMessage) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown command type")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.disp.Dispatch(c.Request().Context(), msg); err != nil {
		if errors.Is(err, dispatch.ErrUnknownMessage) {
			return echo.NewHTTPError(http.StatusNotFound, "no handler for command type")
		}
		if errors.Is(err, dispatch.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "referenced aggregate not found")
		}
		h.log.Error().Err(err).
			Str("message_type", string(msgType)).
			Str("message_id", msg.MessageID().String()).
			Msg("command rejected")
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"message_id": msg.MessageID().String(),
		"type":       string(msgType),
	})
}
