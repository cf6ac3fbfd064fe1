package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"payflow/internal/core"
)

// DocumentMessage carries a full Document between peers. Origin identifies
// the sending peer so it can ignore its own copy coming back through the
// fanout exchange.
type DocumentMessage struct {
	Origin    string          `json:"origin"`
	Document  json.RawMessage `json:"document"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewDocumentMessage encodes doc for the wire.
func NewDocumentMessage(origin string, doc core.Document) (*DocumentMessage, error) {
	body, err := core.EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	return &DocumentMessage{
		Origin:    origin,
		Document:  body,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ToJSON converts the message to JSON bytes
func (m *DocumentMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Decode returns the carried Document.
func (m *DocumentMessage) Decode() (core.Document, error) {
	if len(m.Document) == 0 {
		return core.Document{}, fmt.Errorf("%w: empty payload", core.ErrMalformedDocument)
	}
	return core.DecodeDocument(m.Document)
}

// DocumentMessageFromJSON creates a message from JSON bytes
func DocumentMessageFromJSON(data []byte) (*DocumentMessage, error) {
	var msg DocumentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
