package services

import (
	"context"
	"encoding/json"

	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/metrics"
	"github.com/rs/zerolog"
)

// EventNotifier delivers an event to a user's live connections and reports
// how many received it.
type EventNotifier interface {
	Notify(ctx context.Context, userID string, ev Event) int
}

// Notifier fans events out through the RealtimeHub. Delivery is at most
// once: users without live connections simply miss the event and recover
// it through the sync endpoint.
type Notifier struct {
	hub *RealtimeHub
	log zerolog.Logger
}

func NewNotifier(hub *RealtimeHub) *Notifier {
	return &Notifier{hub: hub, log: logger.WithComponent("notifier")}
}

func (n *Notifier) Notify(ctx context.Context, userID string, ev Event) int {
	conns := n.hub.Connections(userID)
	if len(conns) == 0 {
		return 0
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode event")
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if err := c.Send(ctx, payload); err != nil {
			n.log.Debug().Err(err).Str("user_id", userID).Msg("dropping dead connection")
			n.hub.Unregister(userID, c)
			metrics.NotificationsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
			continue
		}
		delivered++
		metrics.NotificationsTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	}
	return delivered
}
