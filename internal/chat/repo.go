package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// CreateSessionWithFirstMessage commits a new session and its first message together.
func (r *Repo) CreateSessionWithFirstMessage(ctx context.Context, s *Session, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		m.SessionID = s.ID
		return tx.Create(m).Error
	})
}

// GetSessionForOwner hides sessions of other owners behind ErrNotFound.
func (r *Repo) GetSessionForOwner(ctx context.Context, sessionID, ownerID uint64) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, ownerID).
		First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// AppendInOrder inserts m only if it keeps the user/assistant alternation, and bumps the
// session's updated_at in the same transaction. The session row is locked where the
// driver supports it.
func (r *Repo) AppendInOrder(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&s, "id = ?", m.SessionID).Error; err != nil {
			return notFound(err)
		}

		var last Message
		err := tx.Where("session_id = ?", m.SessionID).Order("id DESC").Limit(1).Take(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if m.Role != RoleUser {
				return ErrRoleOrder
			}
		case err != nil:
			return err
		case last.Role == m.Role:
			return ErrRoleOrder
		}

		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return (&Repo{db: tx}).TouchSession(ctx, m.SessionID)
	})
}

// Transaction runs fn against a repo bound to one database transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func (r *Repo) ListMessagesAsc(ctx context.Context, sessionID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages in DESC id order (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, sessionID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// LastMessage returns nil, nil for an empty session.
func (r *Repo) LastMessage(ctx context.Context, sessionID uint64) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(1).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// TouchSession bumps updated_at so the session sorts first in listings.
func (r *Repo) TouchSession(ctx context.Context, sessionID uint64) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", sessionID).
		Update("updated_at", time.Now()).Error
}

func (r *Repo) RenameSession(ctx context.Context, sessionID, ownerID uint64, title string) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND user_id = ?", sessionID, ownerID).
		Updates(map[string]any{"title": title, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session and its messages and jobs.
func (r *Repo) DeleteSession(ctx context.Context, sessionID, ownerID uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", sessionID, ownerID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&Job{}).Error
	})
}

// ListSessions returns the owner's sessions, most recently updated first.
func (r *Repo) ListSessions(ctx context.Context, ownerID uint64, limit int) ([]SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var sessions []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("updated_at DESC, id DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return []SessionSummary{}, nil
	}

	ids := make([]uint64, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	var counts []struct {
		SessionID uint64
		N         int64
	}
	if err := r.db.WithContext(ctx).Model(&Message{}).
		Select("session_id, COUNT(*) AS n").
		Where("session_id IN ?", ids).
		Group("session_id").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint64]int64, len(counts))
	for _, c := range counts {
		byID[c.SessionID] = c.N
	}

	// newest message per session, one query
	var latest []Message
	if err := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.WithContext(ctx).Model(&Message{}).
			Select("MAX(id)").
			Where("session_id IN ?", ids).
			Group("session_id")).
		Find(&latest).Error; err != nil {
		return nil, err
	}
	previews := make(map[uint64]string, len(latest))
	for _, m := range latest {
		previews[m.SessionID] = truncateRunes(m.Content, previewRunes)
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:           s.ID,
			Title:        s.Title,
			Preview:      previews[s.ID],
			MessageCount: byID[s.ID],
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	return out, nil
}

// CreateJob fails on a duplicate (user_id, idempotency_key); an empty key is stored as NULL.
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	if job.IdempotencyKey != nil && *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// UpdateJobStatusRunning reports whether this call moved the job out of queued.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}
