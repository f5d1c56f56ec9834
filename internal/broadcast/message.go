package broadcast

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/roach88/synq/internal/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType discriminates broadcast messages.
type MessageType string

const (
	MessageUpdated                MessageType = "updated"
	MessageRemoved                MessageType = "removed"
	MessageCacheSnapshotRequested MessageType = "cacheSnapshotRequested"
	MessageCacheSnapshotCreated   MessageType = "cacheSnapshotCreated"
)

// Message is the wire envelope shared by all participants.
type Message struct {
	Type   MessageType `json:"type"`
	Sender string      `json:"sender"`

	// Recipient addresses a snapshot answer to the participant that asked.
	Recipient string `json:"recipient,omitempty"`

	QueryHash     string                      `json:"queryHash,omitempty"`
	QueryKey      query.QueryKey              `json:"queryKey,omitempty"`
	State         *query.DehydratedQueryState `json:"state,omitempty"`
	CacheSnapshot *query.DehydratedState      `json:"cacheSnapshot,omitempty"`
}

// Encode serialises m as JSON.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return raw, nil
}

// Decode parses a JSON message. Messages without a type are rejected.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}
