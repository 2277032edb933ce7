package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types with meaning to the core. Any other type passes through
// routing unchanged.
const (
	TypeText         = "text"
	TypeNotification = "notification"
	TypeSendStatus   = "send-status"
)

// BotUserID is the reserved user id. It never addresses a connection;
// payloads aimed only at it are served by listener fan-out.
const BotUserID uint64 = 0

// MessagePayload is the JSON envelope routed between users.
type MessagePayload struct {
	Type       string         `json:"type"`
	Sender     uint64         `json:"sender"`
	Recipients []uint64       `json:"recipients"`
	Text       string         `json:"text,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Time       string         `json:"time,omitempty"`
	Binary     bool           `json:"binary,omitempty"`
}

// ParsePayload decodes and validates one message envelope.
func ParsePayload(data []byte) (MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return MessagePayload{}, fmt.Errorf("decode message payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return MessagePayload{}, err
	}
	return p, nil
}

// Validate checks the envelope invariants.
func (p MessagePayload) Validate() error {
	if p.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if p.Sender == BotUserID && !p.IsForBot() {
		return fmt.Errorf("sender is required")
	}
	if len(p.Recipients) == 0 && !p.IsForBot() {
		return fmt.Errorf("at least one recipient is required")
	}
	return nil
}

// IsForBot reports whether the payload addresses no real user. Such
// payloads are served by listeners only; the recipient list is ignored.
func (p MessagePayload) IsForBot() bool {
	for _, r := range p.Recipients {
		if r != BotUserID {
			return false
		}
	}
	return true
}

// IsSentStatus reports whether this is a delivery receipt. Receipts are
// excluded from the stats path to prevent feedback recursion.
func (p MessagePayload) IsSentStatus() bool {
	return p.Type == TypeSendStatus
}

// WithRecipient returns a copy addressed to exactly one recipient.
func (p MessagePayload) WithRecipient(uid uint64) MessagePayload {
	out := p
	out.Recipients = []uint64{uid}
	return out
}

// ToJSON renders the envelope back to its wire form.
func (p MessagePayload) ToJSON() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode message payload: %w", err)
	}
	return data, nil
}

// NewSendStatus builds the delivery receipt for a payload that reached a
// recipient. The receipt flows back to the original sender, attributed to
// the recipient that acknowledged delivery.
func NewSendStatus(delivered MessagePayload) MessagePayload {
	var from uint64
	if len(delivered.Recipients) > 0 {
		from = delivered.Recipients[0]
	}
	return MessagePayload{
		Type:       TypeSendStatus,
		Sender:     from,
		Recipients: []uint64{delivered.Sender},
		Data: map[string]any{
			"type": delivered.Type,
			"time": delivered.Time,
		},
		Time: time.Now().UTC().Format(time.RFC3339),
	}
}
