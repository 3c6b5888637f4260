package chat

import (
	"strings"
	"time"
)

// Role identifies which side of the conversation authored a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known sender role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAdmin
}

// DeliveryState tracks a message from local submit to durable confirmation.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// TempIDPrefix marks identifiers minted locally before the backend has confirmed a write.
const TempIDPrefix = "temp_"

// IsTemporaryID reports whether id was generated locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Message is one entry of the shared support chat stream.
//
// UserID, Email and Name describe the customer the conversation belongs to, for
// both customer and admin authored messages.
type Message struct {
	ID              string        `json:"id"`
	ConversationKey string        `json:"conversationKey,omitempty"`
	UserID          string        `json:"userId,omitempty"`
	Email           string        `json:"email,omitempty"`
	Name            string        `json:"name,omitempty"`
	SenderRole      Role          `json:"sender"`
	Body            string        `json:"text"`
	CreatedAt       time.Time     `json:"createdAt"`
	DeliveryState   DeliveryState `json:"deliveryState,omitempty"`
}

// Key derives the conversation key of m. ok is false for unaddressable messages.
func (m Message) Key() (Key, bool) {
	switch {
	case m.UserID != "":
		return Key{Field: FieldUserID, Value: m.UserID}, true
	case m.Email != "":
		return Key{Field: FieldEmail, Value: m.Email}, true
	case m.ConversationKey != "":
		return ParseKey(m.ConversationKey)
	}
	return Key{}, false
}

// Pending reports whether the message still awaits durable confirmation.
func (m Message) Pending() bool {
	return m.DeliveryState == StatePending
}
