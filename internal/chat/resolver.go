package chat

import (
	"context"
	"strings"

	"github.com/suPer8Hu/chat-stream/internal/logger"
)

// ResolvedSession is the session a turn targets. UserMessage is set only when Created.
type ResolvedSession struct {
	Session     *Session
	Created     bool
	UserMessage *Message
}

type Resolver struct {
	repo *Repo
	log  *logger.Logger
}

func NewResolver(repo *Repo, log *logger.Logger) *Resolver {
	return &Resolver{repo: repo, log: log.With("component", "resolver")}
}

// Resolve returns the caller's existing session for ref, or creates a new one titled after
// firstUserText together with that first user message. A missing and a foreign session are
// indistinguishable to the caller.
func (r *Resolver) Resolve(ctx context.Context, ownerID uint64, ref *uint64, firstUserText string) (ResolvedSession, error) {
	if ref != nil {
		s, err := r.repo.GetSessionForOwner(ctx, *ref, ownerID)
		if err != nil {
			return ResolvedSession{}, err
		}
		return ResolvedSession{Session: s}, nil
	}

	if strings.TrimSpace(firstUserText) == "" {
		return ResolvedSession{}, invalid("resolve", "first message must not be empty")
	}
	s := &Session{UserID: ownerID, Title: DeriveTitle(firstUserText)}
	m := &Message{Role: RoleUser, Content: firstUserText}
	if err := r.repo.CreateSessionWithFirstMessage(ctx, s, m); err != nil {
		return ResolvedSession{}, persistence("resolve", err)
	}
	r.log.Info("session created", "session_id", s.ID, "user_id", ownerID)
	return ResolvedSession{Session: s, Created: true, UserMessage: m}, nil
}
