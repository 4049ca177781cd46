package notify

import (
	"context"

	"github.com/trustlesswork/demoengine/internal/metrics"
	"github.com/trustlesswork/demoengine/internal/realtime"
)

// Broadcaster is satisfied by *realtime.Hub.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// HubSink pushes notifications to WebSocket clients watching the session.
type HubSink struct {
	hub Broadcaster
}

// NewHubSink creates a sink on top of a realtime hub.
func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

// Notify implements Sink.
func (s *HubSink) Notify(ctx context.Context, n Notification) error {
	s.hub.Broadcast(&realtime.Event{
		Type:       realtime.EventNotification,
		SessionID:  n.SessionID,
		WalletAddr: n.WalletAddr,
		Timestamp:  n.CreatedAt,
		Data:       n,
	})
	metrics.NotificationsTotal.WithLabelValues("hub", "ok").Inc()
	return nil
}
