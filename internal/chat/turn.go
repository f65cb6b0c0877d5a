package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/chat-stream/internal/ai"
)

type InboundMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnRequest starts a turn. A nil SessionID opens a new session.
type TurnRequest struct {
	SessionID *uint64
	Messages  []InboundMessage
}

// Turn is a prepared streaming turn: the user message is committed and the session is
// locked until Release.
type Turn struct {
	Session     *Session
	Created     bool
	UserMessage *Message

	provider ai.StreamProvider
	request  ai.CompletionRequest
	release  func()
}

func (t *Turn) Release() {
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

// validateTurn checks the inbound messages and returns the new user text.
func validateTurn(msgs []InboundMessage) (string, error) {
	const op = "validate turn"
	if len(msgs) == 0 {
		return "", invalid(op, "messages must not be empty")
	}
	for _, m := range msgs {
		if !m.Role.Valid() {
			return "", invalid(op, "message role must be user or assistant")
		}
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleUser {
		return "", invalid(op, "last message must be from the user")
	}
	if strings.TrimSpace(last.Content) == "" {
		return "", invalid(op, "last message must not be empty")
	}
	return last.Content, nil
}

// BeginTurn validates the request, resolves or creates the session, commits the user message
// and takes the session's turn lock. The caller must Release the returned turn.
func (s *Service) BeginTurn(ctx context.Context, ownerID uint64, in TurnRequest) (*Turn, error) {
	text, err := validateTurn(in.Messages)
	if err != nil {
		return nil, err
	}
	provider, req, err := s.providerFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	resolved, err := s.resolver.Resolve(ctx, ownerID, in.SessionID, text)
	if err != nil {
		return nil, err
	}
	sess := resolved.Session

	release, err := s.locker.Acquire(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	turn := &Turn{Session: sess, Created: resolved.Created, UserMessage: resolved.UserMessage, release: release}

	if !resolved.Created {
		um, err := s.appendUserMessage(ctx, s.repo, sess.ID, text)
		if err != nil {
			turn.Release()
			return nil, err
		}
		turn.UserMessage = um
	}

	hist, err := s.history(ctx, sess.ID)
	if err != nil {
		turn.Release()
		return nil, err
	}
	req.Messages = hist
	turn.provider = provider
	turn.request = req
	return turn, nil
}

// appendUserMessage commits the turn's user message. A session already ending in the same
// user text (a retry after a failed turn) reuses that row.
func (s *Service) appendUserMessage(ctx context.Context, repo *Repo, sessionID uint64, text string) (*Message, error) {
	last, err := repo.LastMessage(ctx, sessionID)
	if err != nil {
		return nil, persistence("append user message", err)
	}
	if last != nil && last.Role == RoleUser {
		if last.Content == text {
			s.log.Debug("reusing pending user message", "session_id", sessionID, "message_id", last.ID)
			return last, nil
		}
		return nil, ErrTurnPending
	}

	m := &Message{SessionID: sessionID, Role: RoleUser, Content: text}
	if err := repo.AppendInOrder(ctx, m); err != nil {
		if errors.Is(err, ErrRoleOrder) {
			return nil, ErrTurnPending
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, persistence("append user message", err)
	}
	return m, nil
}

// StreamTurn relays the upstream stream into sink, finalizes the outcome and releases the turn.
// A non-nil error means a completed reply could not be stored.
func (s *Service) StreamTurn(ctx context.Context, t *Turn, sink Sink) (Outcome, FinalizeResult, error) {
	defer t.Release()

	out := s.relay.Run(ctx, t.provider, t.request, sink)
	log := s.log.With("session_id", t.Session.ID, "outcome", out.Kind.String(), "chunks", out.Chunks, "skipped", out.Skipped, "cost", out.Duration)
	if out.Completed() {
		log.Info("turn streamed")
	} else {
		log.Warn("turn not completed", "err", out.Err)
	}

	res, err := s.finalizer.Finalize(ctx, t.Session.ID, out)
	return out, res, err
}
