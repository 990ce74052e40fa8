package report

// Level of a user-facing message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// EventType names what changed in a form.
type EventType string

const (
	EventChanged       EventType = "changed"
	EventImageAttached EventType = "image_attached"
	EventImageRejected EventType = "image_rejected"
	EventImageRemoved  EventType = "image_removed"
	EventSuggestions   EventType = "suggestions"
	EventLocation      EventType = "location"
	EventValidation    EventType = "validation"
	EventSubmitted     EventType = "submitted"
)

// Event is emitted after every state change. Message, when set, is meant
// to be shown to the user as a transient notice.
type Event struct {
	Type    EventType `json:"type"`
	Level   Level     `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Notifier receives form events. It is called without any form lock held
// and may read the form.
type Notifier func(Event)
