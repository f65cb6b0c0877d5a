package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-stream/internal/ai"
	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/settings"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Session{}, &Message{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// scriptedProvider replays events, then either closes or waits for cancellation.
type scriptedProvider struct {
	events []ai.StreamEvent
	hang   bool

	mu    sync.Mutex
	last  ai.CompletionRequest
	calls int
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req ai.CompletionRequest) <-chan ai.StreamEvent {
	p.mu.Lock()
	p.last = req
	p.calls++
	p.mu.Unlock()

	out := make(chan ai.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range p.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if p.hang {
			<-ctx.Done()
		}
	}()
	return out
}

func (p *scriptedProvider) lastRequest() ai.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func steakReply() []ai.StreamEvent {
	return []ai.StreamEvent{
		ai.Delta("Cabernet"),
		ai.Delta(" Sauvignon"),
		ai.Delta(" is a great match."),
		ai.End(),
	}
}

type staticProviders struct {
	p   ai.StreamProvider
	err error
}

func (s staticProviders) Get(context.Context, string, string, ai.Credential) (ai.StreamProvider, error) {
	return s.p, s.err
}

type staticPrefs struct {
	prefs settings.Preferences
}

func (s staticPrefs) Preferences(context.Context, uint64) (settings.Preferences, error) {
	return s.prefs, nil
}

type recordingSink struct {
	chunks  []string
	pings   int
	failing bool
}

func (s *recordingSink) Chunk(text string) error {
	if s.failing {
		return errors.New("client gone")
	}
	s.chunks = append(s.chunks, text)
	return nil
}

func (s *recordingSink) Ping() error {
	s.pings++
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (p *recordingPublisher) PublishJob(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, jobID)
	return nil
}

func newTestService(t *testing.T, provider ai.StreamProvider) (*Service, *Repo) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	svc := NewService(repo, staticProviders{p: provider}, nil, NewMemoryTurnLocker(), Options{
		DefaultProvider:   "fake",
		ContextWindowSize: 20,
		Temperature:       0.7,
		MaxTokens:         256,
	}, logger.NewNop())
	return svc, repo
}

func userTurn(sessionID *uint64, text string) TurnRequest {
	return TurnRequest{SessionID: sessionID, Messages: []InboundMessage{{Role: RoleUser, Content: text}}}
}

func rolesOf(msgs []Message) []Role {
	out := make([]Role, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}
