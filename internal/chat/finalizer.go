package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/metrics"
)

const defaultCommitTimeout = 10 * time.Second

type FinalizeResult struct {
	Persisted bool
	MessageID uint64
	// Reason is the outcome that was not persisted; zero when Persisted.
	Reason OutcomeKind
}

type Finalizer struct {
	repo          *Repo
	commitTimeout time.Duration
	log           *logger.Logger
}

func NewFinalizer(repo *Repo, log *logger.Logger) *Finalizer {
	return &Finalizer{repo: repo, commitTimeout: defaultCommitTimeout, log: log.With("component", "finalizer")}
}

// Finalize commits the assistant message for a completed outcome and nothing otherwise.
// The commit runs detached from ctx's cancellation so a caller that disconnects right
// after end of stream does not lose the reply.
func (f *Finalizer) Finalize(ctx context.Context, sessionID uint64, out Outcome) (FinalizeResult, error) {
	if !out.Completed() {
		return FinalizeResult{Reason: out.Kind}, nil
	}
	if strings.TrimSpace(out.Text) == "" {
		return FinalizeResult{Reason: OutcomeUpstreamError}, &Error{Kind: KindUpstream, Op: "finalize", Err: ErrEmptyCompletion}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.commitTimeout)
	defer cancel()

	m := &Message{SessionID: sessionID, Role: RoleAssistant, Content: out.Text}
	if data, ok := DetectStructured(out.Text); ok {
		m.IsStructuredOutput = true
		m.StructuredData = data
	}

	if err := f.repo.AppendInOrder(cctx, m); err != nil {
		metrics.FinalizeFailures.Inc()
		f.log.Error("assistant message not stored", "session_id", sessionID, "err", err)
		if errors.Is(err, ErrRoleOrder) || errors.Is(err, ErrNotFound) {
			return FinalizeResult{Reason: OutcomeCompleted}, &Error{Kind: KindConflict, Op: "finalize", Message: "session changed during turn", Err: err}
		}
		return FinalizeResult{Reason: OutcomeCompleted}, persistence("finalize", err)
	}
	return FinalizeResult{Persisted: true, MessageID: m.ID}, nil
}

// DetectStructured reports whether text is a JSON object or array, optionally wrapped in a
// ```json fence, and returns the payload.
func DetectStructured(text string) (datatypes.JSON, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	return datatypes.JSON(s), true
}
