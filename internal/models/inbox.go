package models

import (
	"encoding/json"
	"time"
)

// ProcessedMessage is the inbox marker. MessageID is unique in the store.
type ProcessedMessage struct {
	MessageID  string
	Consumer   string
	ReceivedAt time.Time
	Metadata   json.RawMessage
}
