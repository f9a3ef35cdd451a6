package models

import (
	"strconv"
	"strings"
	"time"
)

// Sender identifies the author of a chat message
type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	IsBot    bool   `json:"is_bot"`
}

// Control is one clickable element attached to a message
type Control struct {
	Label string `json:"label"`
	Data  string `json:"data,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Event represents an inbound chat message as delivered by the chat client.
// Events are never mutated after delivery.
type Event struct {
	ID           int64       `json:"id"`
	ChatID       int64       `json:"chat_id"`
	ChatUsername string      `json:"chat_username,omitempty"`
	Sender       *Sender     `json:"sender,omitempty"`
	Text         string      `json:"text,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	Controls     [][]Control `json:"controls,omitempty"`
	Media        string      `json:"media,omitempty"`
	Date         time.Time   `json:"date"`
	ReceivedAt   time.Time   `json:"received_at"`
	Edited       bool        `json:"edited"`
	Outgoing     bool        `json:"outgoing"`
}

// Content returns the text of the message, falling back to the caption
func (e *Event) Content() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Caption
}

// HasControls reports whether at least one control is attached
func (e *Event) HasControls() bool {
	for _, row := range e.Controls {
		if len(row) > 0 {
			return true
		}
	}
	return false
}

// Labels flattens the control grid into its labels, row by row
func (e *Event) Labels() []string {
	var labels []string
	for _, row := range e.Controls {
		for _, c := range row {
			labels = append(labels, c.Label)
		}
	}
	return labels
}

// ChatKey is the identifier used to address the chat in outbound calls:
// the numeric id when known, the @username otherwise.
func (e *Event) ChatKey() string {
	if e.ChatID != 0 {
		return strconv.FormatInt(e.ChatID, 10)
	}
	return "@" + strings.TrimPrefix(e.ChatUsername, "@")
}

// FromChat reports whether the event was posted in the chat addressed by key
// (numeric id or username, with or without the leading @).
func (e *Event) FromChat(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return e.ChatID == id
	}
	return e.ChatUsername != "" && strings.EqualFold(strings.TrimPrefix(key, "@"), strings.TrimPrefix(e.ChatUsername, "@"))
}

// Outcome is the terminal result of one trigger occurrence
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTerminal  Outcome = "terminal"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeConfig    Outcome = "config_error"
	OutcomeReplied   Outcome = "replied"
)

// Notification is emitted once per terminal session result
type Notification struct {
	ID        string    `json:"id"`
	RuleName  string    `json:"rule_name"`
	Account   string    `json:"account"`
	Bot       string    `json:"bot,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail"`
	Attempts  int       `json:"attempts"`
	Immediate bool      `json:"immediate"`
	CreatedAt time.Time `json:"created_at"`
}

// Failed reports whether the notification describes a failed claim
func (n *Notification) Failed() bool {
	return n.Outcome != OutcomeSuccess && n.Outcome != OutcomeReplied
}
