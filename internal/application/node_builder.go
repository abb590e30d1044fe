package application

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/health"
	"github.com/Shugur-Network/gated-relay/internal/identity"
	"github.com/Shugur-Network/gated-relay/internal/limiter"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/relay"
	"github.com/Shugur-Network/gated-relay/internal/storage"
	"github.com/Shugur-Network/gated-relay/internal/web"
	"github.com/Shugur-Network/gated-relay/internal/whitelist"
	"github.com/Shugur-Network/gated-relay/internal/workers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	identity   *identity.RelayIdentity
	store      domain.EventStore
	postgres   *storage.PostgresStore
	provider   domain.WhitelistProvider
	cache      *whitelist.CachedProvider
	authorizer *whitelist.Authorizer
	limiter    *limiter.EventLimiter
	workerPool *workers.WorkerPool
	server     *relay.Server
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildIdentity loads the relay keypair, or uses relay.public_key when set.
func (b *NodeBuilder) BuildIdentity() error {
	id, err := identity.Resolve(b.config.Relay.PublicKey, b.config.General.IdentityFile)
	if err != nil {
		return fmt.Errorf("failed to load relay identity: %w", err)
	}
	b.identity = id
	logger.Info("Relay identity ready",
		zap.String("pubkey", id.PublicKey),
		zap.String("npub", id.NPub))
	return nil
}

// BuildStore connects the event store. An empty database URL selects the
// in-memory store together with an in-memory whitelist provider.
func (b *NodeBuilder) BuildStore() error {
	if b.config.Database.URL == "" {
		logger.Warn("No database URL configured: events and whitelist entries are kept in memory only")
		b.store = storage.NewMemoryStore()
		b.provider = whitelist.NewMemoryProvider()
		return nil
	}

	logger.Info("Connecting to database...")
	pg, err := storage.OpenPostgres(b.ctx, b.config.Database.URL, b.config.Database.MaxConns,
		b.config.Relay.Throttling.MaxConnections)
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	if err := pg.VerifySchema(b.ctx); err != nil {
		pg.Close()
		return fmt.Errorf("database schema verification failed: %w", err)
	}
	if count, err := pg.EventCount(b.ctx); err != nil {
		logger.Warn("Failed to count stored events", zap.Error(err))
	} else {
		logger.Info("Database ready", zap.Int64("events", count))
	}

	b.postgres = pg
	b.store = pg
	b.provider = pg.Whitelist()
	return nil
}

// BuildAuthorizer fronts the whitelist provider with the lookup cache.
func (b *NodeBuilder) BuildAuthorizer() {
	p := b.config.Policy
	b.cache = whitelist.NewCachedProvider(b.provider, p.CacheSize, p.CacheTTL)
	b.authorizer = whitelist.NewAuthorizer(p.Whitelist.PubKeys, b.cache, p.DevAllowAll)
}

func (b *NodeBuilder) BuildRateLimiter() {
	b.limiter = limiter.New(limiter.LimitsFromConfig(b.config))
}

func (b *NodeBuilder) BuildWorkers() {
	numCPU := runtime.NumCPU()
	b.workerPool = workers.NewWorkerPool(numCPU*2, numCPU*64)
}

// BuildServer assembles the relay server and the HTTP surface it shares
// its listener with.
func (b *NodeBuilder) BuildServer() error {
	checker := health.NewChecker(b.store, nil, config.Version)
	api := web.NewHandler(web.Options{
		AdminPubKeys:      b.config.Policy.AdminPubKeys,
		RequestsPerSecond: b.config.Relay.Throttling.APIRequestsPerSecond,
		Burst:             b.config.Relay.Throttling.APIBurst,
		TrustProxy:        b.config.Relay.TrustProxy,
		Resets:            b.limiter,
	}, b.cache, b.authorizer, http.HandlerFunc(checker.HandleHealth))

	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	if b.config.Metrics.Enabled {
		mux.Handle(b.config.Metrics.Path, promhttp.Handler())
	}

	srv, err := relay.NewServer(b.config.Relay, constants.DefaultRelayMetadata(b.config, b.identity.PublicKey), relay.Services{
		Limiter:    b.limiter,
		Authorizer: b.authorizer,
		Store:      b.store,
		Pool:       b.workerPool,
		HTTP:       mux,
	})
	if err != nil {
		return err
	}
	checker.SetNode(srv)
	b.server = srv
	return nil
}

// Build validates that every component was built and assembles the Node.
func (b *NodeBuilder) Build() (*Node, error) {
	switch {
	case b.identity == nil:
		return nil, fmt.Errorf("identity must be built before calling Build()")
	case b.store == nil:
		return nil, fmt.Errorf("store must be built before calling Build()")
	case b.authorizer == nil:
		return nil, fmt.Errorf("authorizer must be built before calling Build()")
	case b.limiter == nil:
		return nil, fmt.Errorf("rate limiter must be built before calling Build()")
	case b.workerPool == nil:
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	case b.server == nil:
		return nil, fmt.Errorf("server must be built before calling Build()")
	}

	logger.Debug("Node initialized successfully via builder")
	return &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		config:     b.config,
		identity:   b.identity,
		store:      b.store,
		postgres:   b.postgres,
		cache:      b.cache,
		authorizer: b.authorizer,
		limiter:    b.limiter,
		workerPool: b.workerPool,
		server:     b.server,
		done:       make(chan error, 1),
	}, nil
}
