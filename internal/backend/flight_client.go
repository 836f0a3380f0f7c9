package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Belluxx/Perplex/internal/analysis"
	"github.com/Belluxx/Perplex/internal/logger"
	"github.com/Belluxx/Perplex/internal/metrics"
)

const (
	ActionOpenSession  = "open_session"
	ActionCloseSession = "close_session"

	logitsColumn = "logits"
)

var logitsSchema = arrow.NewSchema([]arrow.Field{
	{Name: logitsColumn, Type: arrow.PrimitiveTypes.Float32},
}, nil)

type sessionInfo struct {
	SessionID string `json:"session_id"`
	VocabSize int    `json:"vocab_size"`
}

type logitsTicket struct {
	SessionID string             `json:"session_id"`
	Prefix    []analysis.TokenID `json:"prefix"`
}

// FlightClient talks to a remote inference backend over Arrow Flight.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

// DialFlight connects to addr and checks that the server answers.
func DialFlight(ctx context.Context, addr string, timeout time.Duration) (*FlightClient, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}

	fc := &FlightClient{
		client:  client,
		addr:    addr,
		timeout: timeout,
		log:     logger.Log.Component("flight-client").With("addr", addr),
	}
	if err := fc.ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("flight backend %s unreachable: %w", addr, err)
	}
	fc.log.Info("Connected to Flight backend")
	return fc, nil
}

func (fc *FlightClient) Name() string { return "flight" }

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

func (fc *FlightClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if fc.timeout > 0 {
		return context.WithTimeout(ctx, fc.timeout)
	}
	return context.WithCancel(ctx)
}

func (fc *FlightClient) ping(ctx context.Context) error {
	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	stream, err := fc.client.ListActions(ctx, &flight.Empty{})
	if err != nil {
		return err
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// doAction runs a unary action and returns the first result body.
func (fc *FlightClient) doAction(ctx context.Context, typ string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := fc.withTimeout(ctx)
	defer cancel()

	stream, err := fc.client.DoAction(ctx, &flight.Action{Type: typ, Body: payload})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", typ, err)
	}
	res, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", typ, err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%s: %w", typ, err)
		}
	}
	return res.Body, nil
}

// Open starts a remote session.
func (fc *FlightClient) Open(ctx context.Context) (analysis.Session, error) {
	body, err := fc.doAction(ctx, ActionOpenSession, struct{}{})
	if err != nil {
		return nil, err
	}
	var info sessionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode session info: %w", err)
	}
	if info.SessionID == "" || info.VocabSize <= 0 {
		return nil, fmt.Errorf("invalid session info: %+v", info)
	}
	fc.log.Debug("Session opened", "session_id", info.SessionID, "vocab_size", info.VocabSize)
	return &flightSession{fc: fc, id: info.SessionID, vocab: info.VocabSize}, nil
}

type flightSession struct {
	fc    *FlightClient
	id    string
	vocab int

	mu     sync.Mutex
	closed bool
}

func (s *flightSession) VocabSize() int { return s.vocab }

func (s *flightSession) Logits(ctx context.Context, prefix []analysis.TokenID) (logits []float32, err error) {
	start := time.Now()
	defer func() { metrics.RecordBackendRequest(s.fc.Name(), time.Since(start), err) }()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	tkt, err := json.Marshal(logitsTicket{SessionID: s.id, Prefix: prefix})
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.fc.withTimeout(ctx)
	defer cancel()

	stream, err := s.fc.client.DoGet(ctx, &flight.Ticket{Ticket: tkt})
	if err != nil {
		return nil, err
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no logits record for prefix of length %d", len(prefix))
	}
	return decodeLogits(rdr.Record())
}

func decodeLogits(rec arrow.Record) ([]float32, error) {
	if rec.NumCols() != 1 || rec.ColumnName(0) != logitsColumn {
		return nil, fmt.Errorf("unexpected logits schema: %s", rec.Schema())
	}
	col, ok := rec.Column(0).(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("logits column has type %s", rec.Column(0).DataType())
	}
	if col.NullN() > 0 {
		return nil, fmt.Errorf("logits column has %d nulls", col.NullN())
	}
	// The values are backed by the record's buffers.
	return slices.Clone(col.Float32Values()), nil
}

func (s *flightSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_, err := s.fc.doAction(context.Background(), ActionCloseSession, sessionInfo{SessionID: s.id})
	return err
}
