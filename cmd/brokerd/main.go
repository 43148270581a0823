// Command brokerd is the broker daemon: it accepts client connections on
// the configured socket address, serves the admin and ops HTTP surfaces,
// and runs the collection maintenance scheduler.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pimbroker/broker/internal/adminapi"
	"github.com/pimbroker/broker/internal/config"
	"github.com/pimbroker/broker/internal/entitycache"
	"github.com/pimbroker/broker/internal/iniconf"
	"github.com/pimbroker/broker/internal/notify"
	"github.com/pimbroker/broker/internal/partstream"
	"github.com/pimbroker/broker/internal/scheduler"
	"github.com/pimbroker/broker/internal/server"
	"github.com/pimbroker/broker/internal/storage"
	"github.com/pimbroker/broker/pkg/logger"
	"github.com/pimbroker/broker/pkg/pgnotify"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("brokerd: config: " + err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		println("brokerd: invalid config: " + err.Error())
		os.Exit(1)
	}

	applyServerConfigOverrides(cfg)

	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	caches := entitycache.NewSet(redisClient, log)

	store, err := storage.Open(ctx, storage.Config{
		DriverName:      cfg.DriverName,
		DSN:             cfg.DSN,
		MaxConnections:  cfg.DBMaxConnections,
		IdleTimeout:     cfg.DBIdleTimeout,
		SerializeWrites: cfg.SerializeWrites,
	}, caches, log)
	if err != nil {
		log.WithField("error", err).Fatal("brokerd: failed to open storage")
	}
	defer store.Close()

	if err := store.Init(ctx, os.Getenv("BROKER_MIGRATIONS_URL")); err != nil {
		log.WithField("error", err).Fatal("brokerd: schema init failed")
	}
	store.SetPartStreamer(partstream.New(cfg.DataRoot, cfg.PartSizeThreshold, cfg.DirectStreamingCap))

	var collector *notify.Collector
	if cfg.DriverName == "postgres" && cfg.DSN != "" {
		bus, err := pgnotify.New(cfg.DSN)
		if err != nil {
			log.WithField("error", err).Warn("brokerd: notification bus unavailable, notifications disabled")
		} else {
			defer bus.Close()
			collector = notify.NewCollector(bus)
		}
	}

	schedLog, _ := zap.NewProduction()
	sched := scheduler.New(&maintenancePolicy{caches: caches, minInterval: cfg.SchedulerMinInterval}, schedLog)
	go sched.Run(ctx)

	auth := server.NewJWTAuthenticator([]byte(cfg.SessionJWTSecret))

	socketPath, isUnix := config.SocketPath(cfg.ServerAddress)
	var listener net.Listener
	if isUnix {
		os.Remove(socketPath)
		listener, err = net.Listen("unix", socketPath)
	} else {
		listener, err = net.Listen("tcp", cfg.ServerAddress)
	}
	if err != nil {
		log.WithField("error", err).Fatal("brokerd: failed to listen")
	}
	defer listener.Close()

	connCfg := server.Config{
		ProtocolVersion: cfg.ProtocolVersion,
		ServerName:      "brokerd",
		RateLimitRPS:    cfg.RateLimitRequestsPerSecond,
		RateLimitBurst:  cfg.RateLimitBurst,
	}

	go acceptLoop(ctx, listener, connCfg, auth, store, collector, log)

	health := server.NewOpsHealth()
	health.RegisterCheck("storage", func() error { return nil })
	opsMux := server.NewOpsMux(health)
	opsSrv := &http.Server{Addr: portAddr(cfg.OpsPort), Handler: opsMux}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Warn("brokerd: ops server stopped")
		}
	}()

	adminSrv := &http.Server{
		Addr:    portAddr(cfg.AdminPort),
		Handler: adminapi.New(adminapi.Deps{Store: store, Scheduler: sched}),
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Warn("brokerd: admin server stopped")
		}
	}()

	log.WithField("address", cfg.ServerAddress).Info("brokerd: listening")
	<-ctx.Done()
	log.Info("brokerd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opsSrv.Shutdown(shutdownCtx)
	adminSrv.Shutdown(shutdownCtx)
}

func acceptLoop(ctx context.Context, ln net.Listener, cfg server.Config, auth server.Authenticator, store *storage.Store, collector *notify.Collector, log *logger.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.WithField("error", err).Warn("brokerd: accept failed")
				continue
			}
		}
		c := server.New(conn, cfg, auth, store, collector, log)
		go func() {
			if err := c.Handle(ctx); err != nil {
				log.WithField("connection", c.ID()).WithField("error", err).Info("brokerd: connection closed")
			}
		}()
	}
}

// applyServerConfigOverrides reads the spec's INI-style server config
// file, if BROKER_SERVER_CONFIG names one, and lets its [Connection]
// section override the address/instance this process binds to.
func applyServerConfigOverrides(cfg *config.Config) {
	path := os.Getenv("BROKER_SERVER_CONFIG")
	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	doc, err := iniconf.Parse(f)
	if err != nil {
		return
	}
	if addr := doc.GetDefault("Connection", "Address", ""); addr != "" {
		cfg.ServerAddress = addr
	}
	if instance := doc.GetDefault("Connection", "Instance", ""); instance != "" {
		cfg.Instance = instance
	}
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// maintenancePolicy is the scheduler's default per-collection job: evict
// that collection's cached row so the next read picks up whatever the
// collection's cache-timeout policy would have expired by now.
type maintenancePolicy struct {
	caches      *entitycache.Set
	minInterval time.Duration
}

func (p *maintenancePolicy) NextDeadline(now, lastRun time.Time) time.Time {
	interval := p.minInterval
	if interval <= 0 {
		interval = scheduler.MinInterval
	}
	return now.Add(interval)
}

func (p *maintenancePolicy) Run(ctx context.Context, collectionID int64) error {
	p.caches.Collection.Invalidate(collectionID)
	return nil
}
