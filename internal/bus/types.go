package bus

// Event is a server-side event published by the orchestration core for
// observers (websocket feed, logs). The core never depends on a concrete UI.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventSink receives events in publish order.
type EventSink interface {
	Publish(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// Event names emitted by the dispatcher and scheduler.
const (
	EventConversation    = "conversation"         // completed buyer/assistant exchange
	EventConversationNew = "conversation.created" // fresh backend conversation bound
	EventDedupeSkip      = "dedupe.skip"          // duplicate message short-circuited
	EventDebounceQueued  = "debounce.queued"      // short fragment waiting for more
	EventDebounceFlush   = "debounce.flush"       // merged utterance dispatched
	EventReengageSent    = "reengage.sent"        // proactive follow-up delivered
	EventReengageSkip    = "reengage.skipped"     // follow-up suppressed
	EventTurnFailed      = "turn.failed"          // AI or send failure
)
