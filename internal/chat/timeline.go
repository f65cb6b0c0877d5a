package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/suPer8Hu/chat-stream/internal/logger"
)

type TimelineMessage struct {
	ID                 uint64          `json:"id"`
	Role               Role            `json:"role"`
	Content            string          `json:"content"`
	Timestamp          time.Time       `json:"timestamp"`
	IsStructuredOutput bool            `json:"is_structured_output"`
	StructuredData     json.RawMessage `json:"structured_data,omitempty"`
}

type Timeline struct {
	repo *Repo
	log  *logger.Logger
}

func NewTimeline(repo *Repo, log *logger.Logger) *Timeline {
	return &Timeline{repo: repo, log: log.With("component", "timeline")}
}

// Load returns the session and its messages in commit order. It never writes.
func (t *Timeline) Load(ctx context.Context, sessionID, ownerID uint64) (*Session, []TimelineMessage, error) {
	s, err := t.repo.GetSessionForOwner(ctx, sessionID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := t.repo.ListMessagesAsc(ctx, sessionID)
	if err != nil {
		return nil, nil, persistence("timeline", err)
	}

	out := make([]TimelineMessage, 0, len(rows))
	for _, m := range rows {
		tm := TimelineMessage{
			ID:                 m.ID,
			Role:               m.Role,
			Content:            m.Content,
			Timestamp:          m.CreatedAt,
			IsStructuredOutput: m.IsStructuredOutput,
		}
		if len(m.StructuredData) > 0 {
			tm.StructuredData = json.RawMessage(m.StructuredData)
		}
		out = append(out, tm)
	}
	return s, out, nil
}
