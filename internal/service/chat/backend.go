package chat

import (
	"context"

	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// Backend is the slice of the message store the chat surfaces consume.
type Backend interface {
	Subscribe(ctx context.Context, filter chat.Filter, orderBy string, l chat.Listener) (chat.Subscription, error)
	Create(ctx context.Context, m chat.Message) (string, error)
}

// ProfileLookup pre-fills a viewer's contact card. It is best effort.
type ProfileLookup interface {
	LookupProfile(ctx context.Context, id string) (chat.Profile, bool, error)
}
