package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"GroundingDet/config"
	"GroundingDet/engine"
	iface "GroundingDet/interface"
	"GroundingDet/logger"
	"GroundingDet/postprocess"
	"GroundingDet/render"
)

// session owns one orchestrator, so it runs at most one request at a time.
type session struct {
	id        string
	orch      *engine.Orchestrator
	annotator *render.Annotator

	mu         sync.Mutex
	lastActive time.Time
	conn       *websocket.Conn

	writeMu     sync.Mutex
	closeOnce   sync.Once
	cancelTimer chan struct{}
	cancelOnce  sync.Once
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

func (s *session) busy() bool {
	st := s.orch.Status().State
	return st != engine.Idle && !st.Terminal()
}

func (s *session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// send writes v to the attached websocket, if any.
func (s *session) send(v any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		logger.Log().Debug("websocket write failed", zap.String("session", s.id), zap.Error(err))
	}
}

// start launches req and forwards its updates to the websocket.
func (s *session) start(req engine.Request) string {
	s.touch()
	id, updates := s.orch.Start(context.Background(), req)
	go func() {
		for u := range updates {
			s.touch()
			s.send(u)
		}
	}()
	return id
}

type stages struct {
	uploader iface.Uploader
	invoker  iface.Invoker
	poller   iface.Poller
}

type server struct {
	cfg    *config.Config
	stages stages
	idle   time.Duration

	sessionMu sync.RWMutex
	sessions  map[string]*session
}

func newServer(cfg *config.Config, up iface.Uploader, inv iface.Invoker, poll iface.Poller) *server {
	return &server{
		cfg:      cfg,
		stages:   stages{uploader: up, invoker: inv, poller: poll},
		idle:     cfg.SessionIdle(),
		sessions: map[string]*session{},
	}
}

func (srv *server) allocSession() *session {
	annotator := render.NewAnnotator()
	s := &session{
		id: uuid.New().String(),
		orch: engine.New(srv.stages.uploader, srv.stages.invoker, srv.stages.poller,
			engine.WithDecoder(postprocess.NewDecoder(srv.cfg.Detection.ResultSuffix)),
			engine.WithVisualizer(annotator),
		),
		annotator:   annotator,
		lastActive:  time.Now(),
		cancelTimer: make(chan struct{}),
	}
	srv.sessionMu.Lock()
	srv.sessions[s.id] = s
	srv.sessionMu.Unlock()
	srv.startIdleMonitor(s)
	return s
}

func (srv *server) lookup(id string) (*session, bool) {
	srv.sessionMu.RLock()
	defer srv.sessionMu.RUnlock()
	s, ok := srv.sessions[id]
	return s, ok
}

func (srv *server) releaseSession(id string, reason string) bool {
	srv.sessionMu.Lock()
	s, ok := srv.sessions[id]
	if ok {
		delete(srv.sessions, id)
	}
	srv.sessionMu.Unlock()
	if !ok {
		return false
	}

	s.orch.Cancel()
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			s.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	s.cancelOnce.Do(func() {
		close(s.cancelTimer)
	})
	logger.Log().Info("session released", zap.String("session", id), zap.String("reason", reason))
	return true
}

func (srv *server) releaseAll() {
	srv.sessionMu.RLock()
	ids := make([]string, 0, len(srv.sessions))
	for id := range srv.sessions {
		ids = append(ids, id)
	}
	srv.sessionMu.RUnlock()
	for _, id := range ids {
		srv.releaseSession(id, "shutting down")
	}
}

// startIdleMonitor 会话空闲超过 srv.idle 且没有进行中的请求时自动释放
func (srv *server) startIdleMonitor(s *session) {
	tick := srv.idle / 10
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.cancelTimer:
				return
			case <-ticker.C:
				if s.idleFor() > srv.idle && !s.busy() {
					srv.releaseSession(s.id, "idle timeout")
					return
				}
			}
		}
	}()
}
