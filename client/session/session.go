// Package session implements the broker client's session/job engine
// (spec §4.9): a tagged command pipeline over internal/wire with a bound
// on in-flight requests, monotonically increasing tags, and a Reconnect
// call that redials with backoff.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pimbroker/broker/internal/wire"
)

// Job is one in-flight request/response pair.
type Job struct {
	Tag     wire.Tag
	Command wire.Command
	resultC chan jobResult
}

type jobResult struct {
	response wire.Command
	err      error
}

// Wait blocks until the server responds to this job or ctx is canceled.
func (j *Job) Wait(ctx context.Context) (wire.Command, error) {
	select {
	case r := <-j.resultC:
		return r.response, r.err
	case <-ctx.Done():
		return wire.Command{}, ctx.Err()
	}
}

// Config configures a Session's pipelining and reconnect behavior.
type Config struct {
	Address         string
	MaxInFlight     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Session owns one logical connection to the broker server: it assigns
// tags and pipelines jobs up to MaxInFlight. When the connection breaks,
// the jobs still in flight are failed; the session does not redial on its
// own. Reconnect clears the pipeline and redials with exponential backoff.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	wr       *wire.Writer
	rd       *wire.Reader
	nextTag  wire.Tag
	inFlight map[wire.Tag]*Job
	revision int64

	sem chan struct{}
}

func New(cfg Config, log zerolog.Logger) *Session {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Session{
		cfg:      cfg,
		log:      log,
		inFlight: make(map[wire.Tag]*Job),
		sem:      make(chan struct{}, cfg.MaxInFlight),
	}
}

// Connect dials the server and reads its Hello greeting.
func (s *Session) Connect(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}
	return s.attach(conn)
}

func (s *Session) attach(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.wr = wire.NewWriter(conn)
	s.rd = wire.NewReader(conn)
	if _, err := s.rd.Deserialize(); err != nil { // Hello
		return fmt.Errorf("session: read hello: %w", err)
	}
	go s.readLoop(conn)
	return nil
}

// readLoop consumes responses and routes them to the waiting Job, until
// the connection breaks, at which point it clears all in-flight jobs
// with an error and returns. It does not reconnect.
func (s *Session) readLoop(conn net.Conn) {
	for {
		s.mu.Lock()
		rd := s.rd
		s.mu.Unlock()

		resp, err := rd.Deserialize()
		if err != nil {
			s.clearInFlight(err)
			return
		}
		s.mu.Lock()
		job, ok := s.inFlight[resp.Tag]
		if ok {
			delete(s.inFlight, resp.Tag)
		}
		if rev, hasRev := resp.Get("revision"); hasRev {
			s.revision = rev.I
		}
		s.mu.Unlock()
		if ok {
			status, _ := resp.Get("status")
			var jobErr error
			if status.I == int64(wire.StatusNO) || status.I == int64(wire.StatusBAD) {
				jobErr = fmt.Errorf("session: server returned %v: %s", status.I, resp.String("reason"))
			}
			job.resultC <- jobResult{response: resp, err: jobErr}
			<-s.sem
		}
	}
}

// Clear fails every in-flight job with err and empties the pipeline,
// used both internally on disconnect and externally to abandon a batch.
func (s *Session) Clear(err error) {
	s.clearInFlight(err)
}

func (s *Session) clearInFlight(err error) {
	s.mu.Lock()
	jobs := s.inFlight
	s.inFlight = make(map[wire.Tag]*Job)
	s.mu.Unlock()
	for _, j := range jobs {
		j.resultC <- jobResult{err: err}
		select {
		case <-s.sem:
		default:
		}
	}
}

// Send enqueues cmd with the next monotonically increasing tag, blocking
// if MaxInFlight jobs are already pending a response.
func (s *Session) Send(ctx context.Context, cmd wire.Command) (*Job, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.nextTag++
	tag := s.nextTag
	cmd.Tag = tag
	job := &Job{Tag: tag, Command: cmd, resultC: make(chan jobResult, 1)}
	s.inFlight[tag] = job
	wr := s.wr
	s.mu.Unlock()

	if err := wr.Serialize(cmd); err != nil {
		s.mu.Lock()
		delete(s.inFlight, tag)
		s.mu.Unlock()
		<-s.sem
		return nil, fmt.Errorf("session: send: %w", err)
	}
	return job, nil
}

// Revision returns the last revision number the server reported, used by
// callers to detect when their view of an item/collection is stale.
func (s *Session) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Reconnect closes the current connection (if any) and redials with
// exponential backoff, retrying until ctx is canceled or the connection
// succeeds.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.clearInFlight(fmt.Errorf("session: reconnecting"))

	backoff := s.cfg.InitialBackoff
	for {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", s.cfg.Address)
		if err == nil {
			return s.attach(conn)
		}
		s.log.Warn().Err(err).Dur("backoff", backoff).Msg("session: reconnect failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// Close shuts down the session's connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
