// Package server implements the broker's connection handler (spec §4.6):
// one goroutine per client connection driving a small state machine over
// internal/wire, plus an ops HTTP surface for health and metrics.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pimbroker/broker/infrastructure/ratelimit"
	"github.com/pimbroker/broker/internal/brokererr"
	"github.com/pimbroker/broker/internal/notify"
	"github.com/pimbroker/broker/internal/storage"
	"github.com/pimbroker/broker/internal/wire"
	"github.com/pimbroker/broker/pkg/logger"
)

// State is a connection's position in the login state machine (spec
// §4.6, mirroring the IMAP-style lifecycle: NonAuthenticated ->
// Authenticated -> Selected, with LoggingOut reachable from any state).
type State int

const (
	NonAuthenticated State = iota
	Authenticated
	Selected
	LoggingOut
)

func (s State) String() string {
	switch s {
	case NonAuthenticated:
		return "NonAuthenticated"
	case Authenticated:
		return "Authenticated"
	case Selected:
		return "Selected"
	case LoggingOut:
		return "LoggingOut"
	default:
		return "Unknown"
	}
}

// Authenticator verifies session credentials and mints session tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, sessionID []byte) (subject string, err error)
}

// Config configures a Connection's behavior.
type Config struct {
	ProtocolVersion int
	ServerName      string
	RateLimitRPS    float64
	RateLimitBurst  int
	IdleTimeout     time.Duration
}

// Connection owns one client socket: its wire reader/writer, auth state,
// and rate limiter. Handle runs its read loop until the client
// disconnects or Logout is called on the Connection.
type Connection struct {
	id    string
	conn  net.Conn
	rd    *wire.Reader
	wr    *wire.Writer
	state State
	log   *logger.Logger

	cfg     Config
	auth    Authenticator
	limiter *ratelimit.RateLimiter
	store   *storage.Store
	notify  *notify.Collector

	mu         sync.Mutex
	lastTag    wire.Tag
	resourceID int64
	txActive   bool
}

// New wraps conn as a Connection ready to run its Hello handshake.
func New(conn net.Conn, cfg Config, auth Authenticator, store *storage.Store, collector *notify.Collector, log *logger.Logger) *Connection {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	return &Connection{
		id:   uuid.NewString(),
		conn: conn,
		rd:   wire.NewReader(conn),
		wr:   wire.NewWriter(conn),
		state: NonAuthenticated,
		log:   log,
		cfg:   cfg,
		auth:  auth,
		limiter: ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}),
		store:  store,
		notify: collector,
	}
}

// ID returns this connection's unique identifier, used in logs.
func (c *Connection) ID() string { return c.id }

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Handle greets the client, then serves commands until Logout or an
// unrecoverable protocol error.
func (c *Connection) Handle(ctx context.Context) error {
	hello := wire.NewHello(c.cfg.ServerName, "ready", c.cfg.ProtocolVersion, 1)
	if err := c.wr.Serialize(hello); err != nil {
		return err
	}

	for {
		if c.State() == LoggingOut {
			return nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		cmd, err := c.rd.Deserialize()
		if err != nil {
			c.logError("deserialize", err)
			return err
		}
		if cmd.Tag <= c.lastTag && cmd.Tag != 0 {
			resp := wire.NewResponse(cmd.Tag, wire.StatusBAD, "tag must increase monotonically")
			_ = c.wr.Serialize(resp)
			continue
		}
		c.lastTag = cmd.Tag

		resp := c.dispatch(ctx, cmd)
		if err := c.wr.Serialize(resp); err != nil {
			return err
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, cmd wire.Command) wire.Command {
	switch cmd.Type {
	case wire.CmdLogin:
		return c.handleLogin(ctx, cmd)
	case wire.CmdSelectResource:
		return c.handleSelectResource(ctx, cmd)
	}

	if c.State() == NonAuthenticated {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "login required")
	}

	switch cmd.Type {
	case wire.CmdCollectionCreate:
		return c.handleCollectionCreate(ctx, cmd)
	case wire.CmdCollectionModify:
		return c.handleCollectionModify(ctx, cmd)
	case wire.CmdCollectionMove:
		return c.handleCollectionMove(ctx, cmd)
	case wire.CmdCollectionDelete:
		return c.handleCollectionDelete(ctx, cmd)
	case wire.CmdCollectionFetchStatistics:
		return c.handleCollectionFetchStatistics(ctx, cmd)
	case wire.CmdCollectionSubscribe:
		return c.handleCollectionSubscribe(ctx, cmd)
	case wire.CmdCollectionUnsubscribe:
		return c.handleCollectionUnsubscribe(ctx, cmd)
	case wire.CmdItemCreate:
		return c.handleItemCreate(ctx, cmd)
	case wire.CmdItemModify:
		return c.handleItemModify(ctx, cmd)
	case wire.CmdItemMove:
		return c.handleItemMove(ctx, cmd)
	case wire.CmdItemDelete:
		return c.handleItemDelete(ctx, cmd)
	case wire.CmdItemLink:
		return c.handleItemLink(ctx, cmd)
	case wire.CmdItemUnlink:
		return c.handleItemUnlink(ctx, cmd)
	case wire.CmdItemFetch:
		return c.handleItemFetch(ctx, cmd)
	case wire.CmdTagCreate:
		return c.handleTagCreate(ctx, cmd)
	case wire.CmdTagModify:
		return c.handleTagModify(ctx, cmd)
	case wire.CmdTagDelete:
		return c.handleTagDelete(ctx, cmd)
	case wire.CmdTagFetch:
		return c.handleTagFetch(ctx, cmd)
	case wire.CmdSearchModify:
		return c.handleSearchModify(ctx, cmd)
	case wire.CmdSearchResult:
		return c.handleSearchResult(ctx, cmd)
	case wire.CmdSubscriptionCreate:
		return c.handleSubscriptionCreate(ctx, cmd)
	case wire.CmdSubscriptionModify:
		return c.handleSubscriptionModify(ctx, cmd)
	case wire.CmdBegin:
		return c.handleBegin(ctx, cmd)
	case wire.CmdCommit:
		return c.handleCommit(ctx, cmd)
	case wire.CmdRollback:
		return c.handleRollback(ctx, cmd)
	default:
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "unsupported command")
	}
}

func (c *Connection) handleLogin(ctx context.Context, cmd wire.Command) wire.Command {
	sessionID := cmd.Bytes("sessionId")
	if c.auth == nil {
		c.setState(Authenticated)
		return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
	}
	if _, err := c.auth.Authenticate(ctx, sessionID); err != nil {
		serr := brokererr.As(err)
		reason := "login failed"
		if serr != nil {
			reason = serr.Message
		}
		return wire.NewResponse(cmd.Tag, wire.StatusNO, reason)
	}
	c.setState(Authenticated)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleSelectResource(ctx context.Context, cmd wire.Command) wire.Command {
	if c.State() == NonAuthenticated {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "login required")
	}
	name := cmd.String("resource")
	if name == "" {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "resource is required")
	}
	res, err := c.store.ResolveResource(ctx, name)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	c.mu.Lock()
	c.resourceID = res.ID
	c.mu.Unlock()
	c.setState(Selected)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("resourceId", wire.Int64(res.ID))
}

// Logout transitions the connection to LoggingOut so the read loop exits
// after its current command.
func (c *Connection) Logout() {
	c.setState(LoggingOut)
}

func (c *Connection) logError(step string, err error) {
	if c.log == nil {
		return
	}
	c.log.WithField("connection", c.id).WithField("step", step).WithField("error", err).Warn("server: connection error")
}
