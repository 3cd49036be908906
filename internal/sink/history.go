package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-eventhub/internal/device"
	"github.com/nerrad567/gray-logic-eventhub/internal/dispatch"
	"github.com/nerrad567/gray-logic-eventhub/internal/history"
	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

// HistoryRecorder stores every property in the event history.
type HistoryRecorder struct {
	repo history.Repository
	now  func() time.Time
}

// NewHistoryRecorder creates the sink.
func NewHistoryRecorder(repo history.Repository) *HistoryRecorder {
	return &HistoryRecorder{repo: repo, now: time.Now}
}

// Handle is a dispatch.Listener.
func (h *HistoryRecorder) Handle(ctx context.Context, dev device.Device, p propertyset.Property) error {
	err := h.repo.Record(ctx, history.Entry{
		DeviceID:   dev.ID(),
		Service:    dispatch.Service(ctx),
		Property:   p.Name,
		Value:      p.Value,
		Attributes: p.Attributes,
		CreatedAt:  h.now(),
	})
	if err != nil {
		return fmt.Errorf("recording %s event: %w", p.Name, err)
	}
	return nil
}
