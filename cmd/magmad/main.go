package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/infodancer/auth"
	"github.com/infodancer/auth/domain"
	_ "github.com/infodancer/auth/passwd" // Register passwd backend
	"github.com/infodancer/msgstore"
	_ "github.com/infodancer/msgstore/maildir" // Register maildir backend
	"github.com/infodancer/magmad/internal/cluster"
	"github.com/infodancer/magmad/internal/config"
	"github.com/infodancer/magmad/internal/datatier"
	"github.com/infodancer/magmad/internal/logging"
	"github.com/infodancer/magmad/internal/metauser"
	"github.com/infodancer/magmad/internal/metrics"
	"github.com/infodancer/magmad/internal/pop3"
	"github.com/infodancer/magmad/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

// pruneInterval is how often runDirect checks idle cached users for
// eviction. Only runDirect runs this loop: it is the sole long-lived,
// single-process mode here, so it's the only one that accumulates idle
// cached users worth pruning over many sessions (runServe's subprocesses
// are one-shot and die with their one connection before ever going idle).
const pruneInterval = 5 * time.Minute

// idlePruneThreshold is how long a zero-referenced cached user may sit idle
// before Prune evicts it.
const idlePruneThreshold = 30 * time.Minute

// main dispatches to one of magmad's run modes based on os.Args[1]:
//
//	(no args)          runServe: the listener/dispatcher parent, which only
//	                    forks a protocol-handler subprocess per connection
//	                    (subprocess.go) and never touches the cluster lock
//	                    or meta-user cache itself.
//	protocol-handler    runProtocolHandler: services exactly one connection
//	                    passed via inherited fds, building its own
//	                    process-local cluster lock and meta-user cache
//	                    (internal/pop3.NewStack), then exits. Only ever
//	                    invoked by runServe's own subprocess spawn.
//	provision-user      runProvisionUser: one-shot STACIE-backed account
//	                    creation against the datatier database.
//	direct              runDirect: single-process mode with no subprocess
//	                    isolation, useful for local development and the
//	                    test harness; it builds its own cluster lock and
//	                    meta-user cache like each protocol-handler does.
func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "protocol-handler":
			runProtocolHandler()
			return
		case "provision-user":
			runProvisionUser(os.Args[2:])
			return
		case "direct":
			runDirect()
			return
		}
	}
	runServe()
}

// runDirect runs magmad as a single process with no subprocess isolation
// between connections: every connection is handled inline on
// server.Server's own accept loop, sharing one meta-user cache and cluster
// lock across the process's whole lifetime. Kept for local development and
// the test harness, where subprocess spawning is unwanted ceremony.
func runDirect() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	logger := logging.NewLogger(cfg.LogLevel)

	// Load TLS configuration if certificates are specified
	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	// Set up metrics collector
	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// Create authentication agent if configured
	var authAgent auth.AuthenticationAgent
	if cfg.Auth.IsConfigured() {
		agentConfig := auth.AuthAgentConfig{
			Type:              cfg.Auth.Type,
			CredentialBackend: cfg.Auth.CredentialBackend,
			KeyBackend:        cfg.Auth.KeyBackend,
			Options:           cfg.Auth.Options,
		}
		authAgent, err = auth.OpenAuthAgent(agentConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating auth agent: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := authAgent.Close(); err != nil {
				logger.Error("error closing auth agent", "error", err)
			}
		}()
		logger.Info("authentication enabled", "type", cfg.Auth.Type)
	}

	// Create message store if configured
	var msgStore msgstore.MessageStore
	if cfg.Maildir != "" {
		store, err := msgstore.Open(msgstore.StoreConfig{
			Type:     "maildir",
			BasePath: cfg.Maildir,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening message store: %v\n", err)
			os.Exit(1)
		}
		msgStore = store
		logger.Info("message store enabled", "type", "maildir", "path", cfg.Maildir)
	}

	// Create domain provider if configured
	var domainProvider domain.DomainProvider
	if cfg.DomainsPath != "" {
		p := domain.NewFilesystemDomainProvider(cfg.DomainsPath, logger)
		if cfg.DomainsDataPath != "" {
			p = p.WithDataPath(cfg.DomainsDataPath)
		}
		dp := p.WithDefaults(domain.DomainConfig{
			Auth: domain.DomainAuthConfig{
				Type:              "passwd",
				CredentialBackend: "passwd",
				KeyBackend:        "keys",
			},
			MsgStore: domain.DomainMsgStoreConfig{
				Type:     "maildir",
				BasePath: "users",
			},
		})
		defer func() {
			if err := dp.Close(); err != nil {
				logger.Error("error closing domain provider", "error", err)
			}
		}()
		domainProvider = dp
		logger.Info("domain provider enabled", "path", cfg.DomainsPath)
	}

	// Create auth router (centralizes domain-aware auth routing)
	authRouter := domain.NewAuthRouter(domainProvider, authAgent)

	// Create the meta-user cache and cluster lock. runDirect is the one mode
	// that handles every connection inline on a single long-lived process,
	// so unlike runServe's one-shot subprocesses it is worth pruning idle
	// cache entries from over the process's lifetime.
	pool, userCache, err := datatier.Open(cfg.Datatier.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening datatier pool: %v\n", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
		logger.Info("meta-user cache enabled", "dsn", cfg.Datatier.DSN)
	}

	var clusterLock *cluster.Lock
	if len(cfg.Cluster.Servers) > 0 {
		mc := cluster.NewMemcacheClient(cfg.Cluster.Servers...)
		clusterLock = cluster.NewLockWithTiming(mc,
			time.Duration(cfg.Cluster.LockTimeoutSeconds)*time.Second,
			time.Duration(cfg.Cluster.LockExpirationSecs)*time.Second)
		logger.Info("cluster lock enabled", "servers", len(cfg.Cluster.Servers))
	}

	// Create server
	srv, err := server.New(server.Config{
		Cfg:       &cfg,
		TLSConfig: tlsConfig,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	// Set POP3 protocol handler
	handler := pop3.Handler(cfg.Hostname, authRouter, msgStore, tlsConfig, collector, userCache, clusterLock)
	srv.SetHandler(handler)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if userCache != nil {
		go runPruneLoop(ctx, clusterLock, userCache, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting magmad", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	// Run server
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("magmad stopped")
}

// runPruneLoop periodically evicts idle cached users. When a cluster lock
// is configured, only the node that wins the "magma.metauser.prune" mutex
// runs Prune in a given interval, so a multi-node deployment doesn't have
// every node racing to scan its own process-local cache's idle list
// redundantly — harmless since Prune is local-only, but wasted work.
func runPruneLoop(ctx context.Context, lock *cluster.Lock, cache *metauser.Cache, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	const pruneLockKey = "magma.metauser.prune"

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lock != nil {
				if err := lock.Acquire(ctx, pruneLockKey); err != nil {
					continue
				}
			}
			if n := cache.Prune(idlePruneThreshold); n > 0 {
				logger.Info("pruned idle cached users", "count", n)
			}
			if lock != nil {
				if err := lock.Release(ctx, pruneLockKey); err != nil {
					logger.Error("error releasing prune lock", "error", err)
				}
			}
		}
	}
}
