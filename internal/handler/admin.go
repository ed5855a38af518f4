package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/copypaste/relay-server-go/internal/device"
	apperrors "github.com/copypaste/relay-server-go/internal/errors"
	"github.com/copypaste/relay-server-go/internal/httputil"
	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/pairing"
	"github.com/copypaste/relay-server-go/internal/sse"
	"github.com/copypaste/relay-server-go/internal/token"
	"github.com/copypaste/relay-server-go/internal/util"
)

const usageWindow = 24 * time.Hour

// UsageCounter reports persisted activity counts; it returns nil when no
// database is configured.
type UsageCounter interface {
	CountSince(ctx context.Context, since time.Time) ([]model.UsageCount, error)
}

type AdminHandler struct {
	devices *device.Registry
	tokens  *token.Registry
	pairs   *pairing.Registry
	broker  *sse.Broker
	usage   UsageCounter
}

func NewAdminHandler(
	devices *device.Registry,
	tokens *token.Registry,
	pairs *pairing.Registry,
	broker *sse.Broker,
	usage UsageCounter,
) *AdminHandler {
	return &AdminHandler{
		devices: devices,
		tokens:  tokens,
		pairs:   pairs,
		broker:  broker,
		usage:   usage,
	}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/stats", h.Stats)
	r.Get("/devices/{deviceID}", h.GetDevice)
	r.Get("/events", NewEventsHandler(h.broker).ServeHTTP)

	return r
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"devices":           h.devices.Stats(),
		"tokens":            h.tokens.Stats(),
		"pairs":             h.pairs.Stats(),
		"streamSubscribers": h.broker.TotalClients(),
	}

	if h.usage != nil {
		counts, err := h.usage.CountSince(r.Context(), time.Now().Add(-usageWindow))
		if err != nil {
			log.Error().Err(err).Msg("failed to count usage events")
			httputil.WriteError(w, apperrors.Database(err))
			return
		}
		if counts != nil {
			resp["last24h"] = counts
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	if !util.IsValidUUID(id) {
		httputil.WriteError(w, apperrors.InvalidPayload("deviceID must be a UUID"))
		return
	}

	d, ok := h.devices.FindByDeviceID(id)
	if !ok {
		httputil.WriteError(w, apperrors.DeviceNotFound(id))
		return
	}

	resp := map[string]any{
		"deviceId": d.ID(),
		"online":   d.Online(),
		"role":     d.Role(),
	}

	if p, ok := h.pairs.Find(d.PairID()); ok {
		_, acknowledged := p.LastPayload()
		resp["pair"] = map[string]any{
			"pairId":          p.ID(),
			"createdAt":       formatTime(p.CreatedAt()),
			"direction":       p.Direction(),
			"primaryOnline":   p.HasPrimary(),
			"secondaryOnline": p.HasSecondary(),
			"secondaryKind":   p.SecondaryKind(),
			"pending":         p.PendingDeviceID() != "",
			"acknowledged":    acknowledged,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
