package chat

import "strings"

// Fields a conversation can be keyed and filtered by.
const (
	FieldUserID = "userId"
	FieldEmail  = "email"
)

// Key is the stable identity of the counterparty a conversation belongs to.
type Key struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// IsZero reports whether the key has not been derived yet.
func (k Key) IsZero() bool {
	return k.Value == ""
}

// String renders the key as "field:value".
func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return k.Field + ":" + k.Value
}

// Filter returns the subscription filter selecting this conversation.
func (k Key) Filter() Filter {
	return Filter{Field: k.Field, Equals: k.Value}
}

// ParseKey reverses Key.String.
func ParseKey(raw string) (Key, bool) {
	field, value, ok := strings.Cut(raw, ":")
	if !ok || value == "" {
		return Key{}, false
	}
	switch field {
	case FieldUserID, FieldEmail:
		return Key{Field: field, Value: value}, true
	}
	return Key{}, false
}

// Filter selects the documents a subscription receives. The zero Filter matches everything.
type Filter struct {
	Field  string `json:"field,omitempty"`
	Equals string `json:"equals,omitempty"`
}

// IsZero reports whether the filter selects the whole stream.
func (f Filter) IsZero() bool {
	return f.Field == "" && f.Equals == ""
}

// Valid reports whether the filter names a supported field.
func (f Filter) Valid() bool {
	if f.IsZero() {
		return true
	}
	return (f.Field == FieldUserID || f.Field == FieldEmail) && f.Equals != ""
}

// Match reports whether m belongs to the filtered result set. Messages are matched on
// their derived conversation key, so an email filter never selects a message that
// belongs to a userId conversation carrying the same address.
func (f Filter) Match(m Message) bool {
	if f.IsZero() {
		return true
	}
	k, ok := m.Key()
	return ok && k.Field == f.Field && k.Value == f.Equals
}

// OrderByCreatedAt is the only ordering the message collection supports.
const OrderByCreatedAt = "createdAt"
