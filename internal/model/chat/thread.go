package chat

import "time"

// ConversationThread summarises one counterparty's conversation for the admin console.
// It is derived from the message stream and never stored.
type ConversationThread struct {
	Key             Key       `json:"key"`
	UserID          string    `json:"userId,omitempty"`
	Email           string    `json:"email,omitempty"`
	DisplayName     string    `json:"displayName"`
	AvatarSeed      string    `json:"avatarSeed"`
	LastMessageText string    `json:"lastMessageText"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}
