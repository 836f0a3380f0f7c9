package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/logger"
)

// FlightServer exposes a Backend over Arrow Flight. Each remote session
// maps to one session of the wrapped backend.
type FlightServer struct {
	flight.BaseFlightServer

	backend Backend
	mem     memory.Allocator
	srv     flight.Server
	log     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*servedSession
}

// servedSession serializes requests so a session sees prefixes one at a time.
type servedSession struct {
	mu   sync.Mutex
	sess analysis.Session
}

func NewFlightServer(b Backend) *FlightServer {
	return &FlightServer{
		backend:  b,
		mem:      memory.DefaultAllocator,
		log:      logger.Log.Component("flight-server"),
		sessions: make(map[string]*servedSession),
	}
}

// Init binds addr. Use "localhost:0" for an ephemeral port.
func (s *FlightServer) Init(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return err
	}
	s.srv.RegisterFlightService(s)
	return nil
}

func (s *FlightServer) Addr() net.Addr { return s.srv.Addr() }

// Serve blocks until Shutdown.
func (s *FlightServer) Serve() error {
	s.log.Info("Flight backend listening", "addr", s.srv.Addr().String(), "backend", s.backend.Name())
	return s.srv.Serve()
}

// Shutdown stops the server and closes every open session.
func (s *FlightServer) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ss := range s.sessions {
		_ = ss.sess.Close()
		delete(s.sessions, id)
	}
}

// SessionCount returns the number of open sessions.
func (s *FlightServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *FlightServer) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, a := range []*flight.ActionType{
		{Type: ActionOpenSession, Description: "Open an inference session"},
		{Type: ActionCloseSession, Description: "Close an inference session"},
	} {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *FlightServer) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.Type {
	case ActionOpenSession:
		sess, err := s.backend.Open(stream.Context())
		if err != nil {
			return status.Errorf(codes.Unavailable, "open session: %v", err)
		}
		id := uuid.NewString()

		s.mu.Lock()
		s.sessions[id] = &servedSession{sess: sess}
		s.mu.Unlock()
		s.log.Debug("Session opened", "session_id", id)

		body, err := json.Marshal(sessionInfo{SessionID: id, VocabSize: sess.VocabSize()})
		if err != nil {
			s.discard(id)
			return status.Errorf(codes.Internal, "encode session: %v", err)
		}
		if err := stream.Send(&flight.Result{Body: body}); err != nil {
			// The client never learned the id, so nobody can close it.
			s.discard(id)
			return err
		}
		return nil

	case ActionCloseSession:
		var req sessionInfo
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode close request: %v", err)
		}
		s.mu.Lock()
		ss, ok := s.sessions[req.SessionID]
		delete(s.sessions, req.SessionID)
		s.mu.Unlock()
		if !ok {
			return status.Errorf(codes.NotFound, "unknown session %q", req.SessionID)
		}
		if err := ss.sess.Close(); err != nil {
			return status.Errorf(codes.Internal, "close session: %v", err)
		}
		s.log.Debug("Session closed", "session_id", req.SessionID)
		return stream.Send(&flight.Result{Body: []byte(`{}`)})

	default:
		return status.Errorf(codes.InvalidArgument, "unknown action %q", action.Type)
	}
}

func (s *FlightServer) discard(id string) {
	s.mu.Lock()
	ss, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := ss.sess.Close(); err != nil {
		s.log.Warn("Session close failed", "session_id", id, "error", err)
	}
}

func (s *FlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var req logitsTicket
	if err := json.Unmarshal(tkt.Ticket, &req); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode ticket: %v", err)
	}

	s.mu.Lock()
	ss, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "unknown session %q", req.SessionID)
	}

	ss.mu.Lock()
	logits, err := ss.sess.Logits(stream.Context(), req.Prefix)
	ss.mu.Unlock()
	if err != nil {
		return sessionStatus(err)
	}
	return s.writeLogits(stream, logits)
}

func sessionStatus(err error) error {
	var invalid *analysis.InvalidTokenError
	switch {
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ErrSessionClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *FlightServer) writeLogits(stream flight.FlightService_DoGetServer, logits []float32) error {
	b := array.NewFloat32Builder(s.mem)
	defer b.Release()
	b.AppendValues(logits, nil)

	arr := b.NewArray()
	defer arr.Release()

	rec := array.NewRecord(logitsSchema, []arrow.Array{arr}, int64(len(logits)))
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(logitsSchema), ipc.WithAllocator(s.mem))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
