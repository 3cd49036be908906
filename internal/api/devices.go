package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/history"
	"github.com/nerrad567/gray-logic-eventhub/internal/registry"
	"github.com/nerrad567/gray-logic-eventhub/internal/subscription"
)

const (
	maxQueryParamLen   = 100
	resubscribeTimeout = 30 * time.Second
)

// DeviceResponse is the API view of a registered device.
type DeviceResponse struct {
	ID            string                `json:"id"`
	Name          string                `json:"name,omitempty"`
	Kind          device.Kind           `json:"kind,omitempty"`
	Host          string                `json:"host"`
	Services      []device.EventService `json:"services"`
	State         device.State          `json:"state,omitempty"`
	Subscriptions []subscription.Entry  `json:"subscriptions,omitempty"`
}

func newDeviceResponse(dev device.Device) DeviceResponse {
	resp := DeviceResponse{
		ID:       dev.ID(),
		Host:     dev.Host(),
		Services: dev.EventServices(),
	}
	if d, ok := dev.(device.Describer); ok {
		resp.Name = d.Name()
		resp.Kind = d.Kind()
		resp.State = d.State()
	}
	return resp
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.Devices()
	out := make([]DeviceResponse, 0, len(devices))
	for _, dev := range devices {
		out = append(out, newDeviceResponse(dev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	resp := newDeviceResponse(dev)
	for _, e := range s.registry.Subscriptions() {
		if e.DeviceID == dev.ID() {
			resp.Subscriptions = append(resp.Subscriptions, e)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListDeviceEvents returns recorded events, newest first.
func (s *Server) handleListDeviceEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "event history is not enabled")
		return
	}

	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	events, err := s.history.List(r.Context(), dev.ID(), limit)
	if err != nil {
		s.logger.Error("listing device events failed", "device_id", dev.ID(), "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": dev.ID(), "events": events, "count": len(events)})
}

// handleResubscribe retries every lapsed subscription of a device.
func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), resubscribeTimeout)
	defer cancel()

	err := s.registry.Resubscribe(ctx, dev.ID())
	s.recordResubscribe(r, dev.ID(), err)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"device_id": dev.ID(), "status": "subscribed"})
	case errors.Is(err, registry.ErrNotRunning):
		writeUnavailable(w, "event hub is not running")
	case errors.Is(err, registry.ErrNotRegistered):
		writeNotFound(w, "device not found")
	default:
		s.logger.Warn("resubscribe failed", "device_id", dev.ID(), "error", err)
		writeError(w, http.StatusBadGateway, "subscribe_failed", err.Error())
	}
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.Subscriptions()
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": entries, "count": len(entries)})
}

func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (device.Device, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid device ID")
		return nil, false
	}
	dev, ok := s.registry.Device(id)
	if !ok {
		writeNotFound(w, "device not found")
		return nil, false
	}
	return dev, true
}

func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return history.DefaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > history.MaxLimit {
		return 0, fmt.Errorf("limit exceeds maximum of %d", history.MaxLimit)
	}
	return limit, nil
}
