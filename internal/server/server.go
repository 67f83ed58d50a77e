// Package server accepts protocol connections, records submitted jobs and
// answers status queries. Execution happens elsewhere; the server only
// touches the job table and the queue.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/circuit"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/protocol"
	"quiqcl-server/internal/queue"
	"quiqcl-server/internal/ratelimit"
	"quiqcl-server/internal/store"
	"quiqcl-server/internal/telemetry"
)

// DefaultConnTimeout bounds how long one connection may take to send its
// request and receive the reply.
const DefaultConnTimeout = 30 * time.Second

// Options tune a Server. The zero value is usable.
type Options struct {
	Logger      *zap.Logger
	Limiter     *ratelimit.SubmitLimiter
	ConnTimeout time.Duration
	// MaxMessageBytes caps a request body. Zero means protocol.DefaultMaxBody.
	MaxMessageBytes int64
	// NewID overrides job id generation in tests.
	NewID func() string
}

// Server handles one request per connection.
type Server struct {
	logger      *zap.Logger
	jobs        *store.Jobs
	queue       *queue.FIFO[models.Job]
	limiter     *ratelimit.SubmitLimiter
	connTimeout time.Duration
	maxBody     int64
	newID       func() string

	conns sync.WaitGroup
}

// New constructs the job server.
func New(jobs *store.Jobs, q *queue.FIFO[models.Job], opts Options) *Server {
	s := &Server{
		logger:      opts.Logger,
		jobs:        jobs,
		queue:       q,
		limiter:     opts.Limiter,
		connTimeout: opts.ConnTimeout,
		maxBody:     opts.MaxMessageBytes,
		newID:       opts.NewID,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.connTimeout <= 0 {
		s.connTimeout = DefaultConnTimeout
	}
	if s.maxBody <= 0 {
		s.maxBody = protocol.DefaultMaxBody
	}
	if s.newID == nil {
		s.newID = NewJobID
	}
	return s
}

// NewJobID returns a random id as 32 lowercase hex digits.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ListenTLS opens the TLS listener for the job protocol.
func ListenTLS(addr string, cfg *tls.Config) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is done, then waits for in-flight
// connections to finish. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.conns.Wait()

	s.logger.Info("job server listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout", zap.Error(err))
				continue
			}
			ln.Close()
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	logger := s.logger.With(zap.Stringer("peer", peer))

	if err := conn.SetDeadline(time.Now().Add(s.connTimeout)); err != nil {
		logger.Warn("set deadline", zap.Error(err))
		return
	}
	reader := protocol.NewReader(conn)
	reader.MaxBody = s.maxBody
	text, payload, err := reader.Read()
	if err != nil {
		s.abort(logger, err)
		return
	}

	logger = logger.With(zap.String("command", text))
	reply, body, err := s.dispatch(ctx, logger, peer, text, payload)
	if err != nil {
		s.abort(logger, err)
		return
	}
	if err := protocol.WriteMessage(conn, reply, body); err != nil {
		logger.Warn("write reply", zap.Error(err))
	}
}

// abort drops the connection without a reply.
func (s *Server) abort(logger *zap.Logger, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		kind = "internal"
	}
	telemetry.ProtocolFaults.WithLabelValues(string(kind)).Inc()
	logger.Warn("request aborted", zap.String("kind", string(kind)), zap.Error(err))
}

func (s *Server) dispatch(ctx context.Context, logger *zap.Logger, peer net.Addr, text string, payload []byte) (string, []byte, error) {
	switch text {
	case protocol.SubmitJob:
		telemetry.Requests.WithLabelValues("submit").Inc()
		return s.submit(ctx, logger, peer, payload)
	case protocol.RetrieveJob:
		telemetry.Requests.WithLabelValues("retrieve").Inc()
		return s.retrieve(string(payload))
	default:
		telemetry.Requests.WithLabelValues("unknown").Inc()
		return "", nil, apperr.Newf(apperr.UnknownCommand, "unknown message text %q", text)
	}
}

func (s *Server) submit(ctx context.Context, logger *zap.Logger, peer net.Addr, payload []byte) (string, []byte, error) {
	allowed, tokens, err := s.limiter.Allow(ctx, peer)
	if err != nil {
		// An unreachable limiter must not stop submissions.
		logger.Warn("rate limiter unavailable", zap.Error(err))
		allowed = true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		logger.Info("submit rate limited", zap.Float64("tokens", tokens))
		return protocol.RateLimited, nil, nil
	}

	sub, err := circuit.ParseSubmission(payload)
	if err != nil {
		return "", nil, err
	}
	id := s.newID()
	if _, err := s.jobs.Insert(id); err != nil {
		return "", nil, err
	}
	s.queue.Push(models.Job{ID: id, Submission: sub})
	telemetry.JobsSubmitted.WithLabelValues(sub.Backend).Inc()
	telemetry.QueueDepthGauge.Set(float64(s.queue.Len()))
	logger.Info("job queued",
		zap.String("job_id", id),
		zap.String("backend", sub.Backend),
		zap.Int("shots", sub.Circuit.Shots),
	)
	return protocol.JobID, []byte(id), nil
}

func (s *Server) retrieve(id string) (string, []byte, error) {
	rec, ok := s.jobs.Get(id)
	if !ok {
		return protocol.JobNotFound, []byte(id), nil
	}
	info, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("marshal job %s: %w", id, err)
	}
	return protocol.JobInfo, info, nil
}
