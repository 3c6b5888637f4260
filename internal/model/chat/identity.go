package chat

// IdentityMode distinguishes signed-in customers from guests.
type IdentityMode string

const (
	ModeAuthenticated IdentityMode = "authenticated"
	ModeGuest         IdentityMode = "guest"
)

// ViewerIdentity is who is looking at a chat surface.
type ViewerIdentity struct {
	Mode   IdentityMode `json:"mode"`
	UserID string       `json:"userId,omitempty"`
	Name   string       `json:"name,omitempty"`
	Email  string       `json:"email,omitempty"`
}

// Authenticated builds an identity for a signed-in user.
func Authenticated(userID string) ViewerIdentity {
	return ViewerIdentity{Mode: ModeAuthenticated, UserID: userID}
}

// Guest builds an identity for an anonymous visitor.
func Guest(name, email string) ViewerIdentity {
	return ViewerIdentity{Mode: ModeGuest, Name: name, Email: email}
}

// Profile is the editable contact card attached to a conversation.
type Profile struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}
