package reporter

import (
	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/store"
)

// eventPayload converts one unreported event to the flat shape the tenant
// callback expects, per spec §4.6's per-event-type table. Deferred events
// are converted too (callers filter by Config.ReportDeferred before this
// is reached, unless explicitly asked to keep them); pending events never
// reach this function at all (groupByTenant excludes them unconditionally).
func eventPayload(ev store.UnreportedEvent) map[string]any {
	base := map[string]any{"id": ev.MessageID}
	ts := ev.EventTS.Unix()

	switch ev.EventType {
	case domain.EventSent:
		base["sent_ts"] = ts
	case domain.EventError:
		base["error_ts"] = ts
		base["error"] = ev.Description
	case domain.EventDeferred:
		base["deferred_ts"] = ts
		base["deferred_reason"] = ev.Description
	case domain.EventBounce:
		base["bounce_ts"] = ts
		base["bounce_type"] = stringField(ev.Metadata, "bounce_type")
		base["bounce_code"] = stringField(ev.Metadata, "bounce_code")
		base["bounce_reason"] = ev.Description
	case domain.EventPECAccept, domain.EventPECDelivery, domain.EventPECError:
		base["pec_event"] = string(ev.EventType)
		base["pec_ts"] = ts
		if details := ev.Metadata; details != nil {
			base["pec_details"] = details
		}
	}
	return base
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
