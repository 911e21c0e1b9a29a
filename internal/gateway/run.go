package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"claude-bridge/internal/protocol"
	"claude-bridge/internal/session"
	"claude-bridge/internal/translate"

	"go.uber.org/zap"
)

// ErrNoActiveSession is reported when no session has a live agent socket
// within the discovery window.
var ErrNoActiveSession = errors.New("no active session")

// ErrRunLagged ends a run whose client could not keep up with the agent.
var ErrRunLagged = errors.New("run fell behind the agent stream")

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var in RunInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.run(w, r, in)
}

// run dispatches the latest user message to a live session and streams the
// translated agent output until the run finishes or the client goes away.
func (s *Server) run(w http.ResponseWriter, r *http.Request, in RunInput) {
	threadID := orNewID(in.ThreadID)
	runID := orNewID(in.RunID)
	logger := s.logger.With(zap.String("thread", threadID), zap.String("run", runID))

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sse.Send(protocol.RunStarted(threadID, runID)); err != nil {
		return
	}

	text, ok := lastUserMessage(in.Messages)
	if !ok {
		sse.Send(protocol.RunFinished(threadID, runID))
		return
	}

	ctx := r.Context()
	sess, err := s.discover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("run found no session", zap.Error(err))
			sse.Send(protocol.RunError(threadID, runID, err.Error()))
		}
		return
	}
	logger = logger.With(zap.String("session", sess.ID))

	// Subscribe before writing so a fast reply cannot be missed.
	scope := ""
	if s.cfg.ScopeRunsToSession {
		scope = sess.ID
	}
	sub := s.bus.Subscribe(scope)
	defer sub.Unsubscribe()

	s.registry.AppendHistory(sess.ID, session.HistoryEntry{Role: "user", Type: string(protocol.TypeUser), Text: text})

	conversationID := sess.ConversationID
	if conversationID == "" {
		conversationID = sess.ID
	}
	frame, err := protocol.NewUserFrame(composePrompt(in, text), conversationID)
	if err == nil {
		err = s.registry.Send(sess.ID, frame)
	}
	if err != nil {
		logger.Warn("run dispatch failed", zap.Error(err))
		sse.Send(protocol.RunError(threadID, runID, err.Error()))
		return
	}
	logger.Info("run dispatched")

	st := translate.NewState(threadID)
	for {
		select {
		case <-ctx.Done():
			logger.Info("run client disconnected")
			return

		case env, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					logger.Warn("run fell behind the agent stream")
					sse.Send(protocol.RunError(threadID, runID, ErrRunLagged.Error()))
				}
				return
			}
			if err := sse.SendAll(translate.Translate(env.Message, runID, st)); err != nil {
				logger.Debug("run stream write failed", zap.Error(err))
				return
			}
			if st.Finished() || env.Message.Type == protocol.TypeResult {
				logger.Info("run finished")
				return
			}
		}
	}
}

// discover finds a session with a live agent socket, preferring the active
// one, polling until the discovery window closes.
func (s *Server) discover(ctx context.Context) (session.Session, error) {
	attempts := s.cfg.DiscoveryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if sess, ok := s.registry.FindLive(); ok {
			return sess, nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(s.cfg.DiscoveryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return session.Session{}, ctx.Err()
		case <-timer.C:
		}
	}
	return session.Session{}, ErrNoActiveSession
}
