package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-stream/internal/ai"
	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/settings"
)

// ProviderSource resolves a provider by name; *ai.Registry implements it.
type ProviderSource interface {
	Get(ctx context.Context, name, model string, cred ai.Credential) (ai.StreamProvider, error)
}

// PreferenceSource yields a caller's provider preferences; *settings.Service implements it.
type PreferenceSource interface {
	Preferences(ctx context.Context, userID uint64) (settings.Preferences, error)
}

type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Options struct {
	DefaultProvider   string
	ContextWindowSize int
	Temperature       float32
	MaxTokens         int
	UpstreamTimeout   time.Duration
	HeartbeatInterval time.Duration
}

type Service struct {
	repo      *Repo
	resolver  *Resolver
	relay     *Relay
	finalizer *Finalizer
	timeline  *Timeline

	providers ProviderSource
	prefs     PreferenceSource
	locker    TurnLocker
	publisher JobPublisher

	opts Options
	log  *logger.Logger
}

func NewService(repo *Repo, providers ProviderSource, prefs PreferenceSource, locker TurnLocker, opts Options, log *logger.Logger) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = "ollama"
	}
	if locker == nil {
		locker = NewMemoryTurnLocker()
	}
	relay := NewRelay(log, opts.UpstreamTimeout)
	if opts.HeartbeatInterval > 0 {
		relay = relay.WithHeartbeat(opts.HeartbeatInterval)
	}
	return &Service{
		repo:      repo,
		resolver:  NewResolver(repo, log),
		relay:     relay,
		finalizer: NewFinalizer(repo, log),
		timeline:  NewTimeline(repo, log),
		providers: providers,
		prefs:     prefs,
		locker:    locker,
		opts:      opts,
		log:       log.With("component", "chat"),
	}
}

// SetPublisher enables async turns.
func (s *Service) SetPublisher(p JobPublisher) { s.publisher = p }

func (s *Service) ListSessions(ctx context.Context, ownerID uint64, limit int) ([]SessionSummary, error) {
	out, err := s.repo.ListSessions(ctx, ownerID, limit)
	if err != nil {
		return nil, persistence("list sessions", err)
	}
	return out, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID, ownerID uint64) (*Session, []TimelineMessage, error) {
	return s.timeline.Load(ctx, sessionID, ownerID)
}

func (s *Service) RenameSession(ctx context.Context, sessionID, ownerID uint64, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, invalid("rename session", "title is required")
	}
	if len([]rune(title)) > maxTitleRunes {
		return nil, invalid("rename session", "title must be at most 255 characters")
	}
	if err := s.repo.RenameSession(ctx, sessionID, ownerID, title); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, persistence("rename session", err)
	}
	return s.repo.GetSessionForOwner(ctx, sessionID, ownerID)
}

func (s *Service) DeleteSession(ctx context.Context, sessionID, ownerID uint64) error {
	if err := s.repo.DeleteSession(ctx, sessionID, ownerID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return persistence("delete session", err)
	}
	s.log.Info("session deleted", "session_id", sessionID, "user_id", ownerID)
	return nil
}

type AppendInput struct {
	Role               Role            `json:"role"`
	Content            string          `json:"content"`
	IsStructuredOutput bool            `json:"is_structured_output"`
	StructuredData     json.RawMessage `json:"structured_data"`
}

// AppendMessage stores a message outside a streamed turn. The session must keep alternating
// user and assistant, starting with user.
func (s *Service) AppendMessage(ctx context.Context, sessionID, ownerID uint64, in AppendInput) (*Message, error) {
	const op = "append message"
	if !in.Role.Valid() {
		return nil, invalid(op, "role must be user or assistant")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, invalid(op, "content is required")
	}
	m := &Message{SessionID: sessionID, Role: in.Role, Content: in.Content}
	if len(in.StructuredData) > 0 && string(in.StructuredData) != "null" {
		if !json.Valid(in.StructuredData) {
			return nil, invalid(op, "structured_data must be valid json")
		}
		m.IsStructuredOutput = true
		m.StructuredData = []byte(in.StructuredData)
	} else if in.IsStructuredOutput {
		return nil, invalid(op, "structured_data is required for structured output")
	}

	if _, err := s.repo.GetSessionForOwner(ctx, sessionID, ownerID); err != nil {
		return nil, err
	}
	release, err := s.locker.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.repo.AppendInOrder(ctx, m); err != nil {
		if errors.Is(err, ErrRoleOrder) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, persistence(op, err)
	}
	return m, nil
}

// providerFor resolves the caller's provider and the request parameters it should be called with.
func (s *Service) providerFor(ctx context.Context, userID uint64) (ai.StreamProvider, ai.CompletionRequest, error) {
	var prefs settings.Preferences
	if s.prefs != nil {
		p, err := s.prefs.Preferences(ctx, userID)
		if err != nil {
			return nil, ai.CompletionRequest{}, &Error{Kind: KindInternal, Op: "load preferences", Err: err}
		}
		prefs = p
	}
	name := prefs.Provider
	if name == "" {
		name = s.opts.DefaultProvider
	}

	provider, err := s.providers.Get(ctx, name, prefs.Model, prefs.Credential)
	if err != nil {
		if errors.Is(err, ai.ErrCredentialRequired) {
			return nil, ai.CompletionRequest{}, &Error{Kind: KindValidation, Op: "select provider", Message: "an API key is required for provider " + name, Err: err}
		}
		return nil, ai.CompletionRequest{}, &Error{Kind: KindInternal, Op: "select provider", Err: err}
	}

	temp := s.opts.Temperature
	if prefs.Temperature != nil {
		temp = *prefs.Temperature
	}
	return provider, ai.CompletionRequest{
		Model:        prefs.Model,
		SystemPrompt: prefs.SystemPrompt,
		Temperature:  temp,
		MaxTokens:    s.opts.MaxTokens,
		Credential:   prefs.Credential,
	}, nil
}

// history loads the newest window of the stored timeline, oldest first.
func (s *Service) history(ctx context.Context, sessionID uint64) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, sessionID, s.opts.ContextWindowSize)
	if err != nil {
		return nil, persistence("load history", err)
	}
	out := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}
