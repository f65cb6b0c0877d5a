package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-stream/internal/chat"
	"github.com/suPer8Hu/chat-stream/internal/common"
	"github.com/suPer8Hu/chat-stream/internal/httpapi/middleware"
)

type turnReq struct {
	SessionID json.RawMessage      `json:"session_id"`
	Messages  []chat.InboundMessage `json:"messages"`
	// Message is shorthand for a single user message.
	Message string `json:"message"`
}

var errBadSessionRef = errors.New("session_id must be a positive integer")

// parseSessionRef accepts a number, a numeric string, or null/absent for a new session.
func parseSessionRef(raw json.RawMessage) (*uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errBadSessionRef
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
	}
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return nil, errBadSessionRef
	}
	return &id, nil
}

func bindTurn(c *gin.Context) (chat.TurnRequest, bool) {
	var req turnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return chat.TurnRequest{}, false
	}
	ref, err := parseSessionRef(req.SessionID)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid session id")
		return chat.TurnRequest{}, false
	}
	msgs := req.Messages
	if len(msgs) == 0 && req.Message != "" {
		msgs = []chat.InboundMessage{{Role: chat.RoleUser, Content: req.Message}}
	}
	return chat.TurnRequest{SessionID: ref, Messages: msgs}, true
}

// sseSink frames events the way the web client reads them: "event:" line, JSON "data:" line.
type sseSink struct {
	c       *gin.Context
	flusher http.Flusher
}

func (s *sseSink) writeJSON(event string, payload any) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		// last-resort: send a simple error that won't break SSE framing
		b = []byte(`{"type":"error","code":"internal","message":"json marshal failed"}`)
		event = "error"
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Chunk(text string) error {
	return s.writeJSON("chunk", gin.H{"type": "text-delta", "text": text})
}

func (s *sseSink) Ping() error {
	return s.writeJSON("ping", gin.H{"type": "ping"})
}

func (s *sseSink) terminate() {
	if s.c.Request.Context().Err() != nil {
		return
	}
	_, _ = fmt.Fprint(s.c.Writer, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// ChatStream starts or continues a session and streams the assistant reply as SSE.
// Anything that fails before the first frame is a plain JSON error.
func (h *Handler) ChatStream(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	in, ok := bindTurn(c)
	if !ok {
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}

	ctx := c.Request.Context()
	turn, err := h.ChatSvc.BeginTurn(ctx, uid, in)
	if err != nil {
		h.writeServiceError(c, "begin turn", err)
		return
	}
	defer turn.Release()

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	sink := &sseSink{c: c, flusher: flusher}
	_ = sink.writeJSON("session", gin.H{
		"type":            "session",
		"session_id":      turn.Session.ID,
		"user_message_id": turn.UserMessage.ID,
		"created":         turn.Created,
		"title":           turn.Session.Title,
	})

	out, res, err := h.ChatSvc.StreamTurn(ctx, turn, sink)
	if err != nil {
		h.Log.Error("assistant reply not stored",
			"session_id", turn.Session.ID,
			"request_id", c.GetString(middleware.RequestIDKey),
			"err", err,
		)
	}

	switch out.Kind {
	case chat.OutcomeCompleted:
		_ = sink.writeJSON("done", gin.H{
			"type":       "done",
			"message_id": res.MessageID,
			"persisted":  res.Persisted,
		})
	case chat.OutcomeUpstreamError:
		_ = sink.writeJSON("error", gin.H{
			"type":    "error",
			"code":    "upstream_error",
			"message": "the model provider failed to complete the reply",
		})
	case chat.OutcomeTimeout:
		_ = sink.writeJSON("error", gin.H{
			"type":    "error",
			"code":    "timeout",
			"message": "the model provider did not finish in time",
		})
	case chat.OutcomeCancelled:
		// caller is gone
		return
	}
	sink.terminate()
}

// ChatAsync queues a turn; the reply is produced by the worker.
func (h *Handler) ChatAsync(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	in, ok := bindTurn(c)
	if !ok {
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	job, created, err := h.ChatSvc.EnqueueTurn(c.Request.Context(), uid, in, idempoKeyPtr)
	if err != nil {
		h.writeServiceError(c, "enqueue turn", err)
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"code":    0,
		"message": "ok",
		"data": gin.H{
			"job_id":          job.ID,
			"session_id":      job.SessionID,
			"user_message_id": job.UserMessageID,
			"status":          job.Status,
		},
	})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID, uid)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		h.writeServiceError(c, "get job", err)
		return
	}

	common.OK(c, gin.H{"job": j})
}
