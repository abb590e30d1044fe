package application

import (
	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/identity"
	"github.com/Shugur-Network/gated-relay/internal/relay"
	"github.com/Shugur-Network/gated-relay/internal/whitelist"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Store returns the event store.
func (n *Node) Store() domain.EventStore {
	return n.store
}

// Identity returns the relay keypair.
func (n *Node) Identity() *identity.RelayIdentity {
	return n.identity
}

// Authorizer returns the write authorizer.
func (n *Node) Authorizer() *whitelist.Authorizer {
	return n.authorizer
}

// Server returns the relay server.
func (n *Node) Server() *relay.Server {
	return n.server
}
