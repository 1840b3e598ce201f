package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the structured ciphertext carried in an encrypted message's
// content field. Forward-secrecy envelopes carry the session counter that
// determined their nonce; long-term envelopes carry a random nonce.
type Envelope struct {
	FS         bool   `json:"fs"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce,omitempty"`
	Counter    uint64 `json:"counter,omitempty"`
}

// ErrNotEnvelope indicates content that does not parse as a ciphertext
// envelope.
var ErrNotEnvelope = errors.New("content is not a ciphertext envelope")

// ParseEnvelope decodes an envelope from a message's content field.
func ParseEnvelope(content string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return nil, ErrNotEnvelope
	}
	if len(env.Ciphertext) == 0 {
		return nil, ErrNotEnvelope
	}
	return &env, nil
}

// Encode serializes the envelope for the content field.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(data), nil
}
