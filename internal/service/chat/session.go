package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
)

// SessionState is the resolution progress of a chat session.
type SessionState int

const (
	SessionUnresolved SessionState = iota
	SessionResolving
	SessionResolved
)

func (s SessionState) String() string {
	switch s {
	case SessionResolving:
		return "resolving"
	case SessionResolved:
		return "resolved"
	default:
		return "unresolved"
	}
}

// IdentityResolver reports who is viewing a surface. ok is false while the answer is
// still pending, for example before an auth observer has fired.
type IdentityResolver interface {
	Resolve(ctx context.Context) (identity chat.ViewerIdentity, ok bool, err error)
}

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(ctx context.Context) (chat.ViewerIdentity, bool, error)

func (f ResolverFunc) Resolve(ctx context.Context) (chat.ViewerIdentity, bool, error) {
	return f(ctx)
}

// StaticResolver resolves to an explicitly supplied target identity.
type StaticResolver chat.ViewerIdentity

func (r StaticResolver) Resolve(context.Context) (chat.ViewerIdentity, bool, error) {
	return chat.ViewerIdentity(r), true, nil
}

// SessionManager resolves the viewer once and derives the conversation key the
// surface's subscription is filtered by.
type SessionManager struct {
	resolver IdentityResolver
	profiles ProfileLookup

	mu       sync.RWMutex
	state    SessionState
	identity chat.ViewerIdentity
	profile  chat.Profile
	key      chat.Key
	lookedUp bool
}

// NewSessionManager builds a manager. profiles may be nil.
func NewSessionManager(resolver IdentityResolver, profiles ProfileLookup) *SessionManager {
	return &SessionManager{resolver: resolver, profiles: profiles}
}

// Resolve drives unresolved -> resolving -> resolved. It is safe to call repeatedly;
// once resolved the identity is fixed. ok is false while the resolver is still pending.
func (s *SessionManager) Resolve(ctx context.Context) (chat.ViewerIdentity, bool, error) {
	s.mu.Lock()
	if s.state == SessionResolved {
		identity := s.identity
		s.mu.Unlock()
		return identity, true, nil
	}
	if s.resolver == nil {
		s.mu.Unlock()
		return chat.ViewerIdentity{}, false, ErrIdentityUnresolved
	}
	s.state = SessionResolving
	s.mu.Unlock()

	identity, ok, err := s.resolver.Resolve(ctx)

	s.mu.Lock()
	if s.state == SessionResolved {
		// a concurrent caller won the race
		identity = s.identity
		s.mu.Unlock()
		return identity, true, nil
	}
	if err != nil {
		s.state = SessionUnresolved
		s.mu.Unlock()
		return chat.ViewerIdentity{}, false, errors.Wrap(err, "resolve identity")
	}
	if !ok {
		s.mu.Unlock()
		return chat.ViewerIdentity{}, false, nil
	}

	identity.UserID = strings.TrimSpace(identity.UserID)
	identity.Name = strings.TrimSpace(identity.Name)
	identity.Email = strings.TrimSpace(identity.Email)
	if identity.Mode == "" {
		identity.Mode = chat.ModeGuest
		if identity.UserID != "" {
			identity.Mode = chat.ModeAuthenticated
		}
	}

	s.state = SessionResolved
	s.identity = identity
	s.profile = chat.Profile{UserID: identity.UserID, Name: identity.Name, Email: identity.Email}
	s.key = deriveKey(identity.UserID, identity.Email)
	s.mu.Unlock()

	logger.Debug("[session] identity resolved",
		zap.String("mode", string(identity.Mode)),
		zap.String("key", s.Key().String()))

	s.prefill(ctx)
	return identity, true, nil
}

func deriveKey(userID, email string) chat.Key {
	if userID != "" {
		return chat.Key{Field: chat.FieldUserID, Value: userID}
	}
	if email != "" {
		return chat.Key{Field: chat.FieldEmail, Value: email}
	}
	return chat.Key{}
}

// prefill performs the one-shot profile lookup for a viewer missing name or email.
func (s *SessionManager) prefill(ctx context.Context) {
	s.mu.Lock()
	if s.profiles == nil || s.lookedUp || (s.profile.Name != "" && s.profile.Email != "") {
		s.mu.Unlock()
		return
	}
	id := s.profile.UserID
	if id == "" {
		id = s.profile.Email
	}
	if id == "" {
		s.mu.Unlock()
		return
	}
	s.lookedUp = true
	s.mu.Unlock()

	found, ok, err := s.profiles.LookupProfile(ctx, id)
	if err != nil {
		logger.Warn("[session] profile lookup failed", zap.String("id", id), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile.Name == "" {
		s.profile.Name = strings.TrimSpace(found.Name)
	}
	if s.profile.Email == "" {
		s.profile.Email = strings.TrimSpace(found.Email)
	}
	if s.key.IsZero() {
		s.key = deriveKey(s.profile.UserID, s.profile.Email)
	}
}

// State reports the resolution progress.
func (s *SessionManager) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the resolved identity, if any.
func (s *SessionManager) Identity() (chat.ViewerIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.state == SessionResolved
}

// Key returns the conversation key; zero until derivable.
func (s *SessionManager) Key() chat.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// Profile returns the current contact card.
func (s *SessionManager) Profile() chat.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// SetProfile edits the contact card in place. The name is always editable; the email
// may only change while it does not yet key the conversation. It returns the key, which
// is assigned here when a guest supplies an email for the first time.
func (s *SessionManager) SetProfile(name, email string) (chat.Key, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionResolved {
		return chat.Key{}, ErrIdentityUnresolved
	}
	if email != s.profile.Email && s.key.Field == chat.FieldEmail {
		return s.key, ErrKeyLocked
	}

	s.profile.Name = name
	s.profile.Email = email
	if s.identity.Mode == chat.ModeGuest {
		s.identity.Name = name
		s.identity.Email = email
	}
	if s.key.IsZero() {
		s.key = deriveKey(s.profile.UserID, s.profile.Email)
	}
	return s.key, nil
}

// CanSend reports whether the viewer may submit: an authenticated id, or a guest with
// both name and email supplied.
func (s *SessionManager) CanSend() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canSendLocked()
}

func (s *SessionManager) canSendLocked() bool {
	if s.state != SessionResolved || s.key.IsZero() {
		return false
	}
	if s.profile.UserID != "" {
		return true
	}
	return s.profile.Name != "" && s.profile.Email != ""
}

// Address returns the identity fields a customer-authored message carries.
func (s *SessionManager) Address() (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.canSendLocked() {
		return chat.Message{}, ErrIdentityUnresolved
	}
	return chat.Message{
		ConversationKey: s.key.String(),
		UserID:          s.profile.UserID,
		Email:           s.profile.Email,
		Name:            s.profile.Name,
	}, nil
}
