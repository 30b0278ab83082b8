package collab

import "encoding/json"

// EventType tags an inbound real-time event.
type EventType string

const (
	EventCursorMove      EventType = "cursor-move"
	EventSelectionChange EventType = "selection-change"
	EventDocumentChange  EventType = "document-change"
	EventAddComment      EventType = "add-comment"
	EventResolveComment  EventType = "resolve-comment"
	EventTypingStart     EventType = "typing-start"
	EventTypingStop      EventType = "typing-stop"
)

// Inbound is one client event as received off a connection. Payload stays raw
// until the router dispatches on Type.
type Inbound struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound is one server-to-client event. Data carries the event payload plus
// server-assigned metadata (author identity, timestamp, version).
type Outbound struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Sender delivers outbound events to one connection. Send must not block;
// it reports false when the event was dropped (slow or gone consumer), which
// never affects delivery to other participants.
type Sender interface {
	Send(ev Outbound) bool
}

// documentChangePayload is the body of a document-change event.
type documentChangePayload struct {
	Changes         map[string]any `json:"changes"`
	ExpectedVersion int64          `json:"expectedVersion"`
}

// commentPayload is the body of add-comment / resolve-comment events.
type commentPayload struct {
	CommentID string `json:"commentId"`
	Body      string `json:"body"`
	Anchor    string `json:"anchor"`
}

// cursorPayload is the body of cursor-move / selection-change events.
type cursorPayload struct {
	Position map[string]any `json:"position"`
}
