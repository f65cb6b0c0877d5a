package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/chat-stream/internal/common"
)

var (
	ErrAsyncDisabled = errors.New("chat: async turns are not configured")
	// ErrJobInFlight means another delivery of the same job is still running it.
	ErrJobInFlight = errors.New("chat: job is already running")
)

// EnqueueTurn commits the user message and queues the upstream call for a worker.
// With an idempotency key a repeated request returns the original job and writes nothing.
func (s *Service) EnqueueTurn(ctx context.Context, ownerID uint64, in TurnRequest, idempotencyKey *string) (*Job, bool, error) {
	if s.publisher == nil {
		return nil, false, &Error{Kind: KindInternal, Op: "enqueue turn", Err: ErrAsyncDisabled}
	}
	text, err := validateTurn(in.Messages)
	if err != nil {
		return nil, false, err
	}
	if _, _, err := s.providerFor(ctx, ownerID); err != nil {
		return nil, false, err
	}
	if idempotencyKey != nil && *idempotencyKey == "" {
		idempotencyKey = nil
	}

	if idempotencyKey != nil {
		existing, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, ownerID, *idempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, persistence("enqueue turn", err)
		}
	}

	job, created, err := s.commitQueuedTurn(ctx, ownerID, in.SessionID, text, idempotencyKey)
	if err != nil {
		return nil, false, err
	}

	// Enqueue only when a new job was created
	if created {
		if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
			_ = s.repo.MarkJobFailed(context.WithoutCancel(ctx), job.ID, "enqueue failed")
			return nil, false, &Error{Kind: KindInternal, Op: "publish job", Err: err}
		}
	}
	return job, created, nil
}

// commitQueuedTurn writes the user message (and a new session when ref is nil) together with
// its job in one transaction. A concurrent request holding the same idempotency key makes the
// job insert fail; everything rolls back and the winner's job is returned instead.
func (s *Service) commitQueuedTurn(ctx context.Context, ownerID uint64, ref *uint64, text string, idempotencyKey *string) (*Job, bool, error) {
	if ref != nil {
		// ownership check; read only
		resolved, err := s.resolver.Resolve(ctx, ownerID, ref, text)
		if err != nil {
			return nil, false, err
		}
		release, err := s.locker.Acquire(ctx, resolved.Session.ID)
		if err != nil {
			return nil, false, err
		}
		defer release()
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, &Error{Kind: KindInternal, Op: "enqueue turn", Err: err}
	}
	job := &Job{
		ID:             jobID,
		UserID:         ownerID,
		IdempotencyKey: idempotencyKey,
		Status:         JobQueued,
	}

	var jobErr error
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		var userMsg *Message
		if ref == nil {
			resolved, err := NewResolver(tx, s.log).Resolve(ctx, ownerID, nil, text)
			if err != nil {
				return err
			}
			job.SessionID = resolved.Session.ID
			userMsg = resolved.UserMessage
		} else {
			m, err := s.appendUserMessage(ctx, tx, *ref, text)
			if err != nil {
				return err
			}
			job.SessionID = *ref
			userMsg = m
		}
		job.UserMessageID = userMsg.ID

		if err := tx.CreateJob(ctx, job); err != nil {
			jobErr = err
			return err
		}
		return nil
	})
	if err == nil {
		return job, true, nil
	}

	if jobErr != nil && idempotencyKey != nil {
		existing, getErr := s.repo.GetJobByUserAndIdempotencyKey(ctx, ownerID, *idempotencyKey)
		if getErr == nil {
			s.log.Info("idempotent enqueue lost the race", "user_id", ownerID, "job_id", existing.ID)
			return existing, false, nil
		}
	}
	if jobErr != nil {
		return nil, false, persistence("enqueue turn", jobErr)
	}
	return nil, false, err
}

// GetJob hides other callers' jobs behind ErrNotFound.
func (s *Service) GetJob(ctx context.Context, jobID string, ownerID uint64) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, persistence("get job", err)
	}
	if j.UserID != ownerID {
		return nil, ErrNotFound
	}
	return j, nil
}

// RunJob streams a queued turn to completion with nobody listening and finalizes it the same
// way a live stream is finalized. Jobs already finished are skipped, and a redelivered job
// that another worker is still running returns ErrJobInFlight without touching its state.
// Any other returned error marks the job failed; there are no automatic retries.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	jobStart := time.Now()
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Finished() {
		s.log.Info("job already finished", "job_id", jobID, "status", j.Status)
		return nil
	}
	claimed, err := s.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		if mErr := s.repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, err.Error()); mErr != nil {
			s.log.Error("mark job failed", "job_id", jobID, "err", mErr)
		}
		return err
	}

	release, err := s.locker.Acquire(ctx, j.SessionID)
	if err != nil {
		// a redelivery of a job someone else claimed; leave its state alone
		if !claimed && errors.Is(err, ErrTurnInProgress) {
			s.log.Info("job already in flight", "job_id", jobID, "session_id", j.SessionID)
			return ErrJobInFlight
		}
		return fail(err)
	}
	defer release()

	provider, req, err := s.providerFor(ctx, j.UserID)
	if err != nil {
		return fail(err)
	}

	last, err := s.repo.LastMessage(ctx, j.SessionID)
	if err != nil {
		return fail(err)
	}
	if last == nil || last.ID != j.UserMessageID || last.Role != RoleUser {
		return fail(fmt.Errorf("%w: user message %d is no longer pending", ErrTurnPending, j.UserMessageID))
	}

	hist, err := s.history(ctx, j.SessionID)
	if err != nil {
		return fail(err)
	}
	req.Messages = hist

	out := s.relay.Run(ctx, provider, req, DiscardSink{})
	res, err := s.finalizer.Finalize(ctx, j.SessionID, out)
	if err != nil {
		return fail(err)
	}
	if !res.Persisted {
		reason := res.Reason.String()
		if out.Err != nil {
			reason = fmt.Sprintf("%s: %v", reason, out.Err)
		}
		return fail(errors.New(reason))
	}

	if err := s.repo.MarkJobSucceeded(context.WithoutCancel(ctx), jobID, res.MessageID); err != nil {
		return err
	}
	s.log.Info("job finished", "job_id", jobID, "session_id", j.SessionID, "message_id", res.MessageID, "cost", time.Since(jobStart))
	return nil
}
