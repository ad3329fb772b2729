package types

import (
	"encoding/json"
	"time"
)

// Source identifies who published an event.
type Source struct {
	UserId   string `json:"user,omitempty"`
	SocketId string `json:"socket,omitempty"`
}

// Event is a message on the group fan-out layer. Type is "<module>.<event>" and selects the event
// handler on the receiving connection; Data is the handler's input.
type Event struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	Source       Source          `json:"source"`
	TargetFilter string          `json:"target_filter,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	Created      time.Time       `json:"created"`
}

// NewEvent marshals data into a new event for the given topic.
func NewEvent(topic, eventType string, source Source, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Topic:   topic,
		Type:    eventType,
		Data:    raw,
		Source:  source,
		Created: time.Now().UTC(),
	}, nil
}
