package bus

import (
	"encoding/json"
	"errors"
	"strings"
)

var errMalformedEnvelope = errors.New("bus: malformed envelope")

// Envelope frames a payload for network drivers that echo messages back to the sender.
type Envelope struct {
	Origin  string `json:"origin"`
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

func encodeEnvelope(origin, sender string, payload []byte) ([]byte, error) {
	return json.Marshal(Envelope{Origin: origin, Sender: sender, Payload: payload})
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, errMalformedEnvelope
	}
	if strings.TrimSpace(envelope.Sender) == "" || strings.TrimSpace(envelope.Origin) == "" {
		return Envelope{}, errMalformedEnvelope
	}
	return envelope, nil
}

// accept reports whether a received envelope belongs to this origin and came from another endpoint.
func accept(envelope Envelope, origin, self string) bool {
	return envelope.Origin == origin && envelope.Sender != self
}
