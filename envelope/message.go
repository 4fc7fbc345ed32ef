package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

const greetingText = "connected to detection stream"

// Message is one frame of the subscriber stream protocol.
type Message struct {
	Type      string  `json:"type"`
	Message   string  `json:"message,omitempty"`
	Data      *Sealed `json:"data,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func Greeting() Message {
	return Message{Type: TypeInfo, Message: greetingText}
}

func NewBroadcast(s Sealed, ts time.Time) Message {
	return Message{Type: TypeDetectionBroadcast, Data: &s, Timestamp: UnixSeconds(ts)}
}

func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("unmarshal message: missing type")
	}
	return m, nil
}

// GreetingBytes is the pre-encoded greeting sent to each new subscriber.
var GreetingBytes = func() []byte {
	data, err := Greeting().Encode()
	if err != nil {
		panic(err)
	}
	return data
}()
