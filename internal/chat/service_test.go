package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/suPer8Hu/chat-stream/internal/ai"
	"github.com/suPer8Hu/chat-stream/internal/logger"
	"github.com/suPer8Hu/chat-stream/internal/settings"
)

func TestStreamTurn_NewSessionScenario(t *testing.T) {
	prov := &scriptedProvider{events: steakReply()}
	svc, repo := newTestService(t, prov)
	ctx := context.Background()

	turn, err := svc.BeginTurn(ctx, 1, userTurn(nil, "What pairs well with steak?"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if !turn.Created || turn.Session.Title != "What pairs well with steak?" {
		t.Fatalf("unexpected turn: %+v", turn.Session)
	}

	sink := &recordingSink{}
	out, res, err := svc.StreamTurn(ctx, turn, sink)
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if out.Kind != OutcomeCompleted || !res.Persisted {
		t.Fatalf("unexpected outcome %+v / %+v", out, res)
	}
	if got := strings.Join(sink.chunks, ""); got != "Cabernet Sauvignon is a great match." {
		t.Fatalf("unexpected streamed text %q", got)
	}

	msgs, _ := repo.ListMessagesAsc(ctx, turn.Session.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "What pairs well with steak?" {
		t.Fatalf("unexpected user msg: %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "Cabernet Sauvignon is a great match." || msgs[1].ID != res.MessageID {
		t.Fatalf("unexpected assistant msg: %+v", msgs[1])
	}

	req := prov.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "What pairs well with steak?" {
		t.Fatalf("unexpected upstream context: %+v", req.Messages)
	}
	if req.Temperature != 0.7 || req.MaxTokens != 256 {
		t.Fatalf("unexpected upstream params: %+v", req)
	}
}

func TestStreamTurn_ContinuesFromStoredHistory(t *testing.T) {
	prov := &scriptedProvider{events: steakReply()}
	svc, repo := newTestService(t, prov)
	ctx := context.Background()
	s := seedSession(t, repo, 2, RoleUser, RoleAssistant)

	// client supplied history is not trusted; only the last user message is new
	turn, err := svc.BeginTurn(ctx, 2, TurnRequest{SessionID: &s.ID, Messages: []InboundMessage{
		{Role: RoleUser, Content: "forged"},
		{Role: RoleAssistant, Content: "forged"},
		{Role: RoleUser, Content: "And for fish?"},
	}})
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if turn.Created {
		t.Fatalf("existing session must not be recreated")
	}
	if _, _, err := svc.StreamTurn(ctx, turn, &recordingSink{}); err != nil {
		t.Fatalf("stream turn: %v", err)
	}

	req := prov.lastRequest()
	if len(req.Messages) != 3 || req.Messages[0].Content != "seed" || req.Messages[2].Content != "And for fish?" {
		t.Fatalf("unexpected upstream context: %+v", req.Messages)
	}

	msgs, _ := repo.ListMessagesAsc(ctx, s.ID)
	want := []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	if fmt.Sprint(rolesOf(msgs)) != fmt.Sprint(want) {
		t.Fatalf("unexpected roles %v", rolesOf(msgs))
	}
}

func TestStreamTurn_UsesContextWindow(t *testing.T) {
	prov := &scriptedProvider{events: steakReply()}
	repo := NewRepo(openTestDB(t))
	svc := NewService(repo, staticProviders{p: prov}, nil, nil, Options{ContextWindowSize: 3}, logger.NewNop())
	ctx := context.Background()
	s := seedSession(t, repo, 2, RoleUser, RoleAssistant, RoleUser, RoleAssistant, RoleUser, RoleAssistant)

	turn, err := svc.BeginTurn(ctx, 2, userTurn(&s.ID, "new"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	defer turn.Release()

	req := turn.request
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages in context, got %d", len(req.Messages))
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != ai.RoleUser || last.Content != "new" {
		t.Fatalf("expected newest user message last, got %+v", last)
	}
}

func TestStreamTurn_FailureKeepsOnlyUserMessage(t *testing.T) {
	prov := &scriptedProvider{events: []ai.StreamEvent{ai.Delta("Cab"), ai.Failure(errors.New("boom"))}}
	svc, repo := newTestService(t, prov)
	ctx := context.Background()

	turn, err := svc.BeginTurn(ctx, 1, userTurn(nil, "What pairs well with steak?"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	out, res, err := svc.StreamTurn(ctx, turn, &recordingSink{})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if out.Kind != OutcomeUpstreamError || res.Persisted || res.Reason != OutcomeUpstreamError {
		t.Fatalf("unexpected outcome %+v / %+v", out, res)
	}
	msgs, _ := repo.ListMessagesAsc(ctx, turn.Session.ID)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}

	// retrying the same text reuses the pending message
	prov.events = steakReply()
	retry, err := svc.BeginTurn(ctx, 1, userTurn(&turn.Session.ID, "What pairs well with steak?"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.UserMessage.ID != msgs[0].ID {
		t.Fatalf("expected pending user message to be reused")
	}
	if _, res, err := svc.StreamTurn(ctx, retry, &recordingSink{}); err != nil || !res.Persisted {
		t.Fatalf("retry stream: %+v %v", res, err)
	}
	msgs, _ = repo.ListMessagesAsc(ctx, turn.Session.ID)
	if fmt.Sprint(rolesOf(msgs)) != fmt.Sprint([]Role{RoleUser, RoleAssistant}) {
		t.Fatalf("unexpected roles after retry %v", rolesOf(msgs))
	}
}

func TestBeginTurn_PendingDifferentMessageConflicts(t *testing.T) {
	svc, repo := newTestService(t, &scriptedProvider{events: steakReply()})
	s := seedSession(t, repo, 1, RoleUser)

	if _, err := svc.BeginTurn(context.Background(), 1, userTurn(&s.ID, "something else")); !errors.Is(err, ErrTurnPending) {
		t.Fatalf("expected pending conflict, got %v", err)
	}
	msgs, _ := repo.ListMessagesAsc(context.Background(), s.ID)
	if len(msgs) != 1 {
		t.Fatalf("conflict must not write, got %d messages", len(msgs))
	}
}

func TestBeginTurn_ConcurrentTurnIsRejected(t *testing.T) {
	svc, repo := newTestService(t, &scriptedProvider{events: steakReply()})
	s := seedSession(t, repo, 1, RoleUser, RoleAssistant)
	ctx := context.Background()

	first, err := svc.BeginTurn(ctx, 1, userTurn(&s.ID, "first"))
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := svc.BeginTurn(ctx, 1, userTurn(&s.ID, "second")); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected in-progress conflict, got %v", err)
	}
	if KindOf(ErrTurnInProgress) != KindConflict {
		t.Fatalf("in-progress must classify as conflict")
	}
	first.Release()

	if _, err := svc.BeginTurn(ctx, 1, userTurn(&s.ID, "second")); !errors.Is(err, ErrTurnPending) {
		t.Fatalf("expected pending conflict once the lock is free, got %v", err)
	}
}

func TestBeginTurn_Validation(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{})
	cases := []TurnRequest{
		{},
		{Messages: []InboundMessage{{Role: "system", Content: "hi"}}},
		{Messages: []InboundMessage{{Role: RoleAssistant, Content: "hi"}}},
		{Messages: []InboundMessage{{Role: RoleUser, Content: "   "}}},
	}
	for i, in := range cases {
		if _, err := svc.BeginTurn(context.Background(), 1, in); KindOf(err) != KindValidation {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestBeginTurn_MissingCredential(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	svc := NewService(repo, staticProviders{err: ai.ErrCredentialRequired}, nil, nil, Options{}, logger.NewNop())

	_, err := svc.BeginTurn(context.Background(), 1, userTurn(nil, "hi"))
	if KindOf(err) != KindValidation || !errors.Is(err, ai.ErrCredentialRequired) {
		t.Fatalf("expected credential validation error, got %v", err)
	}
	sessions, _ := repo.ListSessions(context.Background(), 1, 0)
	if len(sessions) != 0 {
		t.Fatalf("nothing may be written before the provider is known")
	}
}

func TestBeginTurn_AppliesPreferences(t *testing.T) {
	prov := &scriptedProvider{events: steakReply()}
	temp := float32(0.2)
	repo := NewRepo(openTestDB(t))
	svc := NewService(repo, staticProviders{p: prov}, staticPrefs{prefs: settings.Preferences{
		Model:        "openai/gpt-4o-mini",
		SystemPrompt: "You are a sommelier.",
		Temperature:  &temp,
		Credential:   ai.Credential{APIKey: "sk-user"},
	}}, nil, Options{Temperature: 0.9}, logger.NewNop())

	turn, err := svc.BeginTurn(context.Background(), 1, userTurn(nil, "hi"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	defer turn.Release()

	req := turn.request
	if req.Model != "openai/gpt-4o-mini" || req.SystemPrompt != "You are a sommelier." || req.Temperature != 0.2 || req.Credential.APIKey != "sk-user" {
		t.Fatalf("preferences not applied: %+v", req)
	}
}

func TestSessions_AreIsolatedPerOwner(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{events: steakReply()})
	ctx := context.Background()

	turn, err := svc.BeginTurn(ctx, 1, userTurn(nil, "alice's question"))
	if err != nil {
		t.Fatalf("begin turn: %v", err)
	}
	if _, _, err := svc.StreamTurn(ctx, turn, &recordingSink{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	id := turn.Session.ID

	if list, _ := svc.ListSessions(ctx, 2, 0); len(list) != 0 {
		t.Fatalf("other owner sees sessions: %+v", list)
	}
	if _, _, err := svc.GetSession(ctx, id, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.RenameSession(ctx, id, 2, "mine now"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on rename, got %v", err)
	}
	if err := svc.DeleteSession(ctx, id, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
	if _, err := svc.AppendMessage(ctx, id, 2, AppendInput{Role: RoleUser, Content: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on append, got %v", err)
	}
	if _, err := svc.BeginTurn(ctx, 2, userTurn(&id, "hijack")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on turn, got %v", err)
	}

	_, msgs, err := svc.GetSession(ctx, id, 1)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("owner view changed: %v %+v", err, msgs)
	}
}

func TestSessionManagement(t *testing.T) {
	svc, repo := newTestService(t, &scriptedProvider{})
	ctx := context.Background()

	a := seedSession(t, repo, 5, RoleUser, RoleAssistant)
	b := seedSession(t, repo, 5, RoleUser)

	renamed, err := svc.RenameSession(ctx, a.ID, 5, "  Wine pairings  ")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Title != "Wine pairings" {
		t.Fatalf("unexpected title %q", renamed.Title)
	}
	if _, err := svc.RenameSession(ctx, a.ID, 5, " "); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for blank title, got %v", err)
	}
	if _, err := svc.RenameSession(ctx, a.ID, 5, strings.Repeat("x", 256)); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for long title, got %v", err)
	}

	list, err := svc.ListSessions(ctx, 5, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID {
		t.Fatalf("expected most recently updated first, got %+v", list)
	}
	if list[0].MessageCount != 2 || list[0].Preview != "seed" || list[1].MessageCount != 1 {
		t.Fatalf("unexpected summaries: %+v", list)
	}

	if err := svc.DeleteSession(ctx, b.ID, 5); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if msgs, _ := repo.ListMessagesAsc(ctx, b.ID); len(msgs) != 0 {
		t.Fatalf("messages must be deleted with the session")
	}
	if _, _, err := svc.GetSession(ctx, b.ID, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted session to be gone, got %v", err)
	}
}

func TestAppendMessage_EnforcesAlternation(t *testing.T) {
	svc, repo := newTestService(t, &scriptedProvider{})
	ctx := context.Background()
	s := seedSession(t, repo, 1)

	if _, err := svc.AppendMessage(ctx, s.ID, 1, AppendInput{Role: RoleAssistant, Content: "hello"}); !errors.Is(err, ErrRoleOrder) {
		t.Fatalf("first message must be user, got %v", err)
	}
	seq := []Role{RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	for _, r := range seq {
		if _, err := svc.AppendMessage(ctx, s.ID, 1, AppendInput{Role: r, Content: string(r)}); err != nil {
			t.Fatalf("append %s: %v", r, err)
		}
		if _, err := svc.AppendMessage(ctx, s.ID, 1, AppendInput{Role: r, Content: "dup"}); !errors.Is(err, ErrRoleOrder) {
			t.Fatalf("repeated %s must be rejected, got %v", r, err)
		}
	}

	msgs, _ := repo.ListMessagesAsc(ctx, s.ID)
	if fmt.Sprint(rolesOf(msgs)) != fmt.Sprint(seq) {
		t.Fatalf("unexpected roles %v", rolesOf(msgs))
	}
}

func TestAppendMessage_Structured(t *testing.T) {
	svc, repo := newTestService(t, &scriptedProvider{})
	ctx := context.Background()
	s := seedSession(t, repo, 1, RoleUser)

	m, err := svc.AppendMessage(ctx, s.ID, 1, AppendInput{
		Role:           RoleAssistant,
		Content:        "Here is a quiz",
		StructuredData: []byte(`{"questions":[1,2]}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !m.IsStructuredOutput {
		t.Fatalf("expected structured flag")
	}
	if _, err := svc.AppendMessage(ctx, s.ID, 1, AppendInput{Role: RoleUser, Content: "x", StructuredData: []byte(`{bad`)}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.AppendMessage(ctx, s.ID, 1, AppendInput{Role: "robot", Content: "x"}); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// Every committed timeline is (user, assistant)* optionally followed by one user message.
func TestRoleSequenceInvariant(t *testing.T) {
	outcomes := [][]ai.StreamEvent{
		steakReply(),
		{ai.Failure(errors.New("boom"))},
		{ai.End()},
		steakReply(),
		{ai.Delta("x")},
		steakReply(),
	}
	prov := &scriptedProvider{}
	svc, repo := newTestService(t, prov)
	ctx := context.Background()

	var (
		sessionID *uint64
		pending   string
	)
	for i, evs := range outcomes {
		prov.events = evs
		text := fmt.Sprintf("q%d", i)
		turn, err := svc.BeginTurn(ctx, 1, userTurn(sessionID, text))
		if errors.Is(err, ErrTurnPending) {
			// previous turn failed; retry the pending text
			text = pending
			turn, err = svc.BeginTurn(ctx, 1, userTurn(sessionID, text))
		}
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		id := turn.Session.ID
		sessionID = &id
		_, res, err := svc.StreamTurn(ctx, turn, &recordingSink{})
		if err != nil {
			t.Fatalf("stream %d: %v", i, err)
		}
		pending = ""
		if !res.Persisted {
			pending = text
		}

		msgs, _ := repo.ListMessagesAsc(ctx, id)
		for j, m := range msgs {
			want := RoleUser
			if j%2 == 1 {
				want = RoleAssistant
			}
			if m.Role != want {
				t.Fatalf("after turn %d: position %d has role %s", i, j, m.Role)
			}
		}
	}
}
