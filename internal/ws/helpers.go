package ws

import (
	"context"

	"github.com/google/uuid"

	"chat-core/internal/observability"
)

const (
	eventConnect    = "ws_connect"
	eventDisconnect = "ws_disconnect"
	eventError      = "ws_error"
)

var routingKeys = map[string]string{
	eventConnect:    observability.RoutingWSConnect,
	eventDisconnect: observability.RoutingWSDisconnect,
	eventError:      observability.RoutingWSError,
}

func newConnID() string {
	return uuid.NewString()
}

func publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(event)
	_ = observability.PublishEvent(ctx, routingKeys[event], observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   info.eventPayload(event, reason),
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
