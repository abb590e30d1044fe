// Package application assembles the relay from its components and runs it.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/identity"
	"github.com/Shugur-Network/gated-relay/internal/limiter"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/relay"
	"github.com/Shugur-Network/gated-relay/internal/storage"
	"github.com/Shugur-Network/gated-relay/internal/whitelist"
	"github.com/Shugur-Network/gated-relay/internal/workers"
	"go.uber.org/zap"
)

// Node ties together the components of a running relay.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     *config.Config
	identity   *identity.RelayIdentity
	store      domain.EventStore
	postgres   *storage.PostgresStore
	cache      *whitelist.CachedProvider
	authorizer *whitelist.Authorizer
	limiter    *limiter.EventLimiter
	workerPool *workers.WorkerPool
	server     *relay.Server

	done chan error
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)

	if err := builder.BuildIdentity(); err != nil {
		builder.cancel()
		return nil, err
	}
	if err := builder.BuildStore(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building store: %w", err)
	}
	builder.BuildAuthorizer()
	builder.BuildRateLimiter()
	builder.BuildWorkers()
	if err := builder.BuildServer(); err != nil {
		builder.cancel()
		builder.store.Close()
		return nil, fmt.Errorf("failed building server: %w", err)
	}

	node, err := builder.Build()
	if err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start launches the background loops and the listener. It returns once
// they are running; Done reports when the listener exits.
func (n *Node) Start() error {
	go n.limiter.Run(n.ctx, n.config.Relay.Throttling.SweepInterval)
	if c, ok := n.store.(storage.ExpiryCleaner); ok {
		storage.StartExpiredEventsCleaner(n.ctx, c, n.config.Database.CleanupInterval)
	}

	go func() {
		n.done <- n.server.ListenAndServe(n.ctx, n.config.Relay.WSAddr)
		close(n.done)
	}()

	logger.Info("Relay started",
		zap.String("address", n.config.Relay.WSAddr),
		zap.String("store", n.StoreKind()),
		zap.Int("env_whitelist", n.authorizer.EnvSize()),
		zap.Bool("metrics", n.config.Metrics.Enabled))
	return nil
}

// Done yields the listener's exit error, nil after a clean shutdown.
func (n *Node) Done() <-chan error {
	return n.done
}

// Shutdown stops accepting connections, closes clients, drains pending
// history queries and closes the store.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	n.cancel()
	select {
	case <-n.done:
		logger.Debug("Listener stopped")
	case <-shutdownCtx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("listener shutdown timed out after %v", constants.ShutdownTimeout))
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		n.workerPool.Stop()
	}()
	select {
	case <-drained:
		logger.Debug("Worker pool finished")
	case <-shutdownCtx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("worker pool shutdown timed out after %v", constants.ShutdownTimeout))
	}

	n.store.Close()

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors", zap.Errors("errors", shutdownErrors))
		return
	}
	logger.Info("Node shutdown completed successfully")
}

// StoreKind names the backing store for logs.
func (n *Node) StoreKind() string {
	if n.postgres != nil {
		return "postgres"
	}
	return "memory"
}

// Uptime is how long the relay server has existed.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.server.StartTime())
}
