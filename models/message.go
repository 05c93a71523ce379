package models

// ChatMessage represents a displayable message after decryption.
type ChatMessage struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
	Group     bool   `json:"group,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
