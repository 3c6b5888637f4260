package chat

// Listener receives deliveries from a snapshot subscription. Each OnSnapshot call carries
// the complete current result set for the filter, ordered ascending by CreatedAt.
type Listener struct {
	OnSnapshot func(snapshot []Message)
	OnError    func(err error)
}

// Subscription is an open push channel. Close is idempotent and stops deliveries before
// returning.
type Subscription interface {
	Close() error
}
