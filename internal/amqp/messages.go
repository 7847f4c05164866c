package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// ChangeMessage announces that the documents under Path changed. Origin
// identifies the publishing process.
type ChangeMessage struct {
	Path      string    `json:"path"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

func NewChangeMessage(path, origin string) *ChangeMessage {
	return &ChangeMessage{
		Path:      path,
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes a message and rejects one without a path.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Path == "" {
		return nil, errors.New("change message without path")
	}
	return &msg, nil
}
