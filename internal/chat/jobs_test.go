package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/suPer8Hu/chat-stream/internal/ai"
)

func TestEnqueueAndRunJob(t *testing.T) {
	prov := &scriptedProvider{events: steakReply()}
	svc, repo := newTestService(t, prov)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	ctx := context.Background()

	job, created, err := svc.EnqueueTurn(ctx, 1, userTurn(nil, "What pairs well with steak?"), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created || job.Status != JobQueued || len(pub.jobs) != 1 || pub.jobs[0] != job.ID {
		t.Fatalf("unexpected enqueue result: %+v created=%v published=%v", job, created, pub.jobs)
	}

	msgs, _ := repo.ListMessagesAsc(ctx, job.SessionID)
	if len(msgs) != 1 || msgs[0].ID != job.UserMessageID {
		t.Fatalf("user message must be committed at enqueue time, got %+v", msgs)
	}

	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}
	done, err := svc.GetJob(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if done.Status != JobSucceeded || done.ResultMessageID == nil {
		t.Fatalf("unexpected job state: %+v", done)
	}
	last, _ := repo.LastMessage(ctx, job.SessionID)
	if last.ID != *done.ResultMessageID || last.Content != "Cabernet Sauvignon is a great match." {
		t.Fatalf("unexpected assistant message: %+v", last)
	}

	// redelivery is a no-op
	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if prov.calls != 1 {
		t.Fatalf("expected a single upstream call, got %d", prov.calls)
	}
}

func TestEnqueueTurn_Idempotent(t *testing.T) {
	svc, repo := newTestService(t, &scriptedProvider{events: steakReply()})
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	ctx := context.Background()
	key := "req-1"

	first, created, err := svc.EnqueueTurn(ctx, 1, userTurn(nil, "hello"), &key)
	if err != nil || !created {
		t.Fatalf("first enqueue: %v created=%v", err, created)
	}
	second, created, err := svc.EnqueueTurn(ctx, 1, userTurn(nil, "hello"), &key)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected the original job back, got %+v created=%v", second, created)
	}
	if len(pub.jobs) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.jobs))
	}
	if list, _ := repo.ListSessions(ctx, 1, 0); len(list) != 1 {
		t.Fatalf("repeated request must not create a second session, got %d", len(list))
	}
}

func TestRunJob_UpstreamFailureMarksFailed(t *testing.T) {
	prov := &scriptedProvider{events: []ai.StreamEvent{ai.Failure(errors.New("boom"))}}
	svc, repo := newTestService(t, prov)
	svc.SetPublisher(&recordingPublisher{})
	ctx := context.Background()

	job, _, err := svc.EnqueueTurn(ctx, 1, userTurn(nil, "hi"), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := svc.RunJob(ctx, job.ID); err == nil {
		t.Fatalf("expected failure")
	}
	j, _ := svc.GetJob(ctx, job.ID, 1)
	if j.Status != JobFailed || j.Error == nil {
		t.Fatalf("unexpected job state: %+v", j)
	}
	msgs, _ := repo.ListMessagesAsc(ctx, job.SessionID)
	if len(msgs) != 1 {
		t.Fatalf("failed job must not write an assistant message")
	}
}

func TestEnqueueTurn_PublishFailure(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{})
	svc.SetPublisher(&recordingPublisher{err: errors.New("broker down")})

	if _, _, err := svc.EnqueueTurn(context.Background(), 1, userTurn(nil, "hi"), nil); KindOf(err) != KindInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestGetJob_HidesForeignJobs(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{})
	svc.SetPublisher(&recordingPublisher{})

	job, _, err := svc.EnqueueTurn(context.Background(), 1, userTurn(nil, "hi"), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.GetJob(context.Background(), job.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnqueueTurn_Disabled(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{})
	if _, _, err := svc.EnqueueTurn(context.Background(), 1, userTurn(nil, "hi"), nil); err == nil {
		t.Fatalf("expected error without publisher")
	}
}

func TestRunJob_RedeliveryWhileRunningLeavesJobAlone(t *testing.T) {
	prov := &scriptedProvider{events: steakReply()}
	svc, repo := newTestService(t, prov)
	svc.SetPublisher(&recordingPublisher{})
	ctx := context.Background()

	job, _, err := svc.EnqueueTurn(ctx, 1, userTurn(nil, "What pairs well with steak?"), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// first delivery has claimed the job and holds the session
	if claimed, err := repo.UpdateJobStatusRunning(ctx, job.ID); err != nil || !claimed {
		t.Fatalf("claim: %v claimed=%v", err, claimed)
	}
	release, err := svc.locker.Acquire(ctx, job.SessionID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := svc.RunJob(ctx, job.ID); !errors.Is(err, ErrJobInFlight) {
		t.Fatalf("expected ErrJobInFlight, got %v", err)
	}
	j, _ := svc.GetJob(ctx, job.ID, 1)
	if j.Status != JobRunning || j.Error != nil {
		t.Fatalf("in-flight job must stay running, got %+v", j)
	}
	if prov.calls != 0 {
		t.Fatalf("redelivery must not call upstream, got %d calls", prov.calls)
	}

	// the holder went away without finishing; a later delivery completes the job
	release()
	if err := svc.RunJob(ctx, job.ID); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if j, _ = svc.GetJob(ctx, job.ID, 1); j.Status != JobSucceeded {
		t.Fatalf("expected succeeded, got %+v", j)
	}
}

func TestRunJob_ClaimedJobBlockedByLiveStreamFails(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{events: steakReply()})
	svc.SetPublisher(&recordingPublisher{})
	ctx := context.Background()

	job, _, err := svc.EnqueueTurn(ctx, 1, userTurn(nil, "hi"), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	release, err := svc.locker.Acquire(ctx, job.SessionID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	if err := svc.RunJob(ctx, job.ID); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}
	if j, _ := svc.GetJob(ctx, job.ID, 1); j.Status != JobFailed {
		t.Fatalf("expected failed, got %+v", j)
	}
}

func TestCommitQueuedTurn_DuplicateKeyRollsBack(t *testing.T) {
	svc, repo := newTestService(t, &scriptedProvider{events: steakReply()})
	svc.SetPublisher(&recordingPublisher{})
	ctx := context.Background()
	key := "req-1"

	first, created, err := svc.EnqueueTurn(ctx, 1, userTurn(nil, "hello"), &key)
	if err != nil || !created {
		t.Fatalf("enqueue: %v created=%v", err, created)
	}

	// a concurrent request that missed the pre-check, new session
	got, created, err := svc.commitQueuedTurn(ctx, 1, nil, "hello", &key)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if created || got.ID != first.ID {
		t.Fatalf("expected the original job, got %+v created=%v", got, created)
	}
	if list, _ := repo.ListSessions(ctx, 1, 0); len(list) != 1 {
		t.Fatalf("losing request must not leave a session behind, got %d", len(list))
	}

	// same race on an existing session
	if err := repo.AppendInOrder(ctx, &Message{SessionID: first.SessionID, Role: RoleAssistant, Content: "hi!"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sid := first.SessionID
	got, created, err = svc.commitQueuedTurn(ctx, 1, &sid, "again", &key)
	if err != nil || created || got.ID != first.ID {
		t.Fatalf("expected the original job, got %+v created=%v err=%v", got, created, err)
	}
	msgs, _ := repo.ListMessagesAsc(ctx, sid)
	if len(msgs) != 2 || msgs[1].Role != RoleAssistant {
		t.Fatalf("losing request must not leave a pending user message, got %+v", msgs)
	}
}
