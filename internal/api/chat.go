package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"dataassistant/internal/models"
	"dataassistant/internal/service/pipeline"
	"dataassistant/internal/worker"
)

const (
	persistTimeout = 5 * time.Second
	streamTimedOut = "请求超时"
	runCancelled   = "请求已取消"
)

var errRunCancelled = errors.New(runCancelled)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func (r *chatRequest) validate() error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Question = strings.TrimSpace(r.Question)
	if r.SessionID == "" {
		return errors.New("session_id is required")
	}
	if r.Question == "" {
		return errors.New("question is required")
	}
	return nil
}

// prepare checks the session exists and loads the turns that precede the question.
func (h *Handler) prepare(ctx context.Context, req chatRequest) (pipeline.Request, error) {
	if _, err := h.assistant.GetSession(ctx, req.SessionID); err != nil {
		return pipeline.Request{}, err
	}
	history, err := h.assistant.MessageHistory(ctx, req.SessionID, h.historyLimit)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{Question: req.Question, History: history}, nil
}

func (h *Handler) streamQuery(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	runReq, err := h.prepare(ctx, req)
	if err != nil {
		writeError(c, err, "session not found")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	started := false
	sendEvent := func(event pipeline.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if !started {
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
			started = true
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.relay(ctx, req.SessionID, runReq, sendEvent); err != nil && !started {
		writeError(c, err, "session not found")
	}
}

func (h *Handler) syncQuery(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	runReq, err := h.prepare(ctx, req)
	if err != nil {
		writeError(c, err, "session not found")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	type outcome struct {
		result *pipeline.QueryResult
		err    error
	}
	done := make(chan outcome, 1)
	err = h.workers.Submit(worker.Job{
		Key:  req.SessionID,
		Name: "chat-query-sync",
		Run: func() {
			res, err := h.processAndPersist(runCtx, req.SessionID, runReq)
			done <- outcome{result: res, err: err}
		},
		Dropped: func() { done <- outcome{err: errRunCancelled} },
	})
	if err != nil {
		writeError(c, err, "")
		return
	}

	select {
	case out := <-done:
		if out.err != nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": out.err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"sql":     out.result.SQL,
			"data":    out.result.Data,
			"chart":   out.result.Chart,
			"answer":  out.result.Answer,
		})
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": false, "error": streamTimedOut})
	}
}

type wsFrame struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
}

func (h *Handler) websocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if err := req.validate(); err != nil {
			if conn.WriteJSON(wsFrame{Type: string(pipeline.EventError), Content: err.Error()}) != nil {
				return
			}
			continue
		}
		runReq, err := h.prepare(ctx, req)
		if err != nil {
			msg := err.Error()
			if statusFor(err) == http.StatusNotFound {
				msg = "session not found"
			}
			if conn.WriteJSON(wsFrame{Type: string(pipeline.EventError), Content: msg}) != nil {
				return
			}
			continue
		}
		send := func(event pipeline.Event) error {
			return conn.WriteJSON(event)
		}
		if err := h.relay(ctx, req.SessionID, runReq, send); err != nil {
			if errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, worker.ErrDispatcherClosed) {
				if conn.WriteJSON(wsFrame{Type: string(pipeline.EventError), Content: "server is busy, please retry"}) != nil {
					return
				}
				continue
			}
			return
		}
	}
}

// relay submits the run to the worker pool and forwards its events to send
// from the calling goroutine. A send failure cancels the run.
func (h *Handler) relay(ctx context.Context, sessionID string, req pipeline.Request, send pipeline.EmitFunc) error {
	runCtx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	events := make(chan pipeline.Event, 16)
	emit := func(event pipeline.Event) error {
		select {
		case events <- event:
			return nil
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
	err := h.workers.Submit(worker.Job{
		Key:  sessionID,
		Name: "chat-query",
		Run: func() {
			defer close(events)
			h.runAndPersist(runCtx, sessionID, req, emit)
		},
		Dropped: func() { close(events) },
	})
	if err != nil {
		return err
	}

	abort := func() error {
		text := runCancelled
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			text = streamTimedOut
		}
		return send(pipeline.Event{Type: pipeline.EventError, Content: text})
	}

	terminal := false
	for {
		select {
		case event, ok := <-events:
			if !ok {
				if terminal || ctx.Err() != nil {
					return nil
				}
				return abort()
			}
			terminal = event.Terminal()
			if err := send(event); err != nil {
				cancel()
				return err
			}
		case <-runCtx.Done():
			// The run may still be queued; flush what it already produced
			// and end the stream without waiting for a worker.
			if ctx.Err() != nil {
				return ctx.Err()
			}
		drain:
			for !terminal {
				select {
				case event, ok := <-events:
					if !ok {
						break drain
					}
					terminal = event.Terminal()
					if err := send(event); err != nil {
						return err
					}
				default:
					break drain
				}
			}
			if terminal {
				return nil
			}
			return abort()
		}
	}
}

// runAndPersist stores the question, runs the pipeline and stores the reply
// once the run reached a terminal event. Abandoned runs store no reply.
func (h *Handler) runAndPersist(ctx context.Context, sessionID string, req pipeline.Request, emit pipeline.EmitFunc) {
	if ctx.Err() != nil {
		return
	}
	if _, err := h.assistant.AddMessage(ctx, models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   req.Question,
	}); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("store user message failed")
		_ = emit(pipeline.Event{Type: pipeline.EventError, Content: "保存消息失败: " + err.Error()})
		return
	}

	var t transcript
	err := h.pipeline.Run(ctx, req, func(event pipeline.Event) error {
		t.observe(event)
		return emit(event)
	})
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("run abandoned")
		return
	}
	if msg, ok := t.message(sessionID); ok {
		h.persistReply(ctx, msg)
	}
}

func (h *Handler) processAndPersist(ctx context.Context, sessionID string, req pipeline.Request) (*pipeline.QueryResult, error) {
	if _, err := h.assistant.AddMessage(ctx, models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   req.Question,
	}); err != nil {
		return nil, err
	}
	result, err := h.pipeline.Process(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			h.persistReply(ctx, models.Message{SessionID: sessionID, Role: models.RoleAssistant, Content: err.Error()})
		}
		return nil, err
	}
	sqlText := result.SQL
	h.persistReply(ctx, models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   result.Answer,
		SQL:       &sqlText,
		Data:      rowMaps(result.Data),
		Chart:     result.Chart.Map(),
	})
	return result, nil
}

// persistReply outlives a client that disconnects right after the terminal event.
func (h *Handler) persistReply(ctx context.Context, msg models.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := h.assistant.AddMessage(ctx, msg); err != nil {
		log.Error().Err(err).Str("session_id", msg.SessionID).Msg("store assistant message failed")
	}
}
