package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/bookstore-chat/backend/internal/handler"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/bookstore-chat/backend/internal/service/chat"
	"github.com/zhouzirui/bookstore-chat/backend/internal/service/profile"
	"github.com/zhouzirui/bookstore-chat/backend/internal/store"
)

func setupRemote(t *testing.T) *Remote {
	t.Helper()
	messages := store.NewMemoryStore()
	profiles := profile.NewMemoryDirectory(map[string]chat.Profile{
		"u1": {UserID: "u1", Name: "Diana Rose", Email: "diana@example.com"},
	})
	srv := httptest.NewServer(handler.NewRouter(messages, profiles, nil))
	t.Cleanup(func() {
		srv.Close()
		_ = messages.Close()
	})

	remote, err := NewRemote(srv.URL, srv.Client())
	require.NoError(t, err)
	return remote
}

func TestRemoteCreateAndSubscribe(t *testing.T) {
	remote := setupRemote(t)
	ctx := context.Background()

	snapshots := make(chan []chat.Message, 8)
	sub, err := remote.Subscribe(ctx, chat.Filter{Field: chat.FieldEmail, Equals: "a@x.com"}, chat.OrderByCreatedAt,
		chat.Listener{OnSnapshot: func(s []chat.Message) { snapshots <- s }})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case s := <-snapshots:
		assert.Empty(t, s)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot")
	}

	id, err := remote.Create(ctx, chat.Message{Email: "a@x.com", Name: "Ann", SenderRole: chat.RoleCustomer, Body: "hello"})
	require.NoError(t, err)

	select {
	case s := <-snapshots:
		require.Len(t, s, 1)
		assert.Equal(t, id, s[0].ID)
		assert.Equal(t, "hello", s[0].Body)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot after create")
	}

	require.NoError(t, sub.Close())
}

func TestRemoteSubscriptionReportsContextEnd(t *testing.T) {
	remote := setupRemote(t)
	ctx, cancel := context.WithCancel(context.Background())

	snapshots := make(chan []chat.Message, 8)
	errs := make(chan error, 1)
	sub, err := remote.Subscribe(ctx, chat.Filter{}, chat.OrderByCreatedAt, chat.Listener{
		OnSnapshot: func(s []chat.Message) { snapshots <- s },
		OnError:    func(err error) { errs <- err },
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-snapshots:
	case <-time.After(5 * time.Second):
		t.Fatal("no initial snapshot")
	}

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("context end was not reported")
	}
}

func TestRemoteCreateRejected(t *testing.T) {
	remote := setupRemote(t)

	_, err := remote.Create(context.Background(), chat.Message{SenderRole: chat.RoleCustomer, Body: "no identity"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRemoteLookupProfile(t *testing.T) {
	remote := setupRemote(t)

	p, ok, err := remote.LookupProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Diana Rose", p.Name)

	_, ok, err = remote.LookupProfile(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteRejectsUnsupportedOrder(t *testing.T) {
	remote := setupRemote(t)
	_, err := remote.Subscribe(context.Background(), chat.Filter{}, "name", chat.Listener{})
	require.Error(t, err)
}

func TestWidgetOverRemoteConverges(t *testing.T) {
	remote := setupRemote(t)
	ctx := context.Background()

	w := chatService.NewWidget(remote, chatService.StaticResolver(chat.Authenticated("u1")), remote, chatService.SurfaceOptions{})
	require.NoError(t, w.Mount(ctx))
	defer w.Unmount()
	assert.Equal(t, "Diana Rose", w.Session().Profile().Name, "profile prefilled from the directory")

	require.NoError(t, w.Send(ctx, "where is my order?"))

	c := chatService.NewConsole(remote, chatService.SurfaceOptions{})
	require.NoError(t, c.Mount(ctx))
	defer c.Unmount()
	require.Eventually(t, func() bool { return len(c.Threads("")) == 1 }, 5*time.Second, 10*time.Millisecond)

	key := chat.Key{Field: chat.FieldUserID, Value: "u1"}
	require.NoError(t, c.Select(ctx, key))
	require.NoError(t, c.Send(ctx, "it left this morning"))

	require.Eventually(t, func() bool {
		view := w.View()
		return len(view) == 2 &&
			view[0].DeliveryState == chat.StateConfirmed &&
			view[1].Body == "it left this morning"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		view := c.View()
		return len(view) == 2 && !chat.IsTemporaryID(view[1].ID)
	}, 5*time.Second, 10*time.Millisecond)
}
