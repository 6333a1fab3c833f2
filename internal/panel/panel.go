// Package panel talks to remote control-plane panels that own service clients.
package panel

import (
	"context"
	"time"

	"vpn-shop-bot/internal/model"
)

// ClientSpec is what the billing core asks a panel to create.
type ClientSpec struct {
	Identifier        string
	UUID              string
	TrafficLimitBytes int64
	ExpiresAt         time.Time
}

// ClientRef identifies a client after creation.
type ClientRef struct {
	Identifier string
	UUID       string
}

// ClientConfig is a client as reported by a panel.
type ClientConfig struct {
	Identifier        string
	UUID              string
	TrafficLimitBytes int64
	ExpiresAt         time.Time
	Enabled           bool
}

// ClientStatus is the usage snapshot of a client.
type ClientStatus struct {
	UsedBytes int64
	ExpiresAt time.Time
}

// DaysLeft returns whole days until expiry relative to now, never negative.
func (s *ClientStatus) DaysLeft(now time.Time) int {
	if s.ExpiresAt.IsZero() || !s.ExpiresAt.After(now) {
		return 0
	}
	return int(s.ExpiresAt.Sub(now).Hours() / 24)
}

// Client is the contract the billing core consumes from a panel.
// Implementations must classify failures with TransientError or PermanentError.
type Client interface {
	CreateClient(ctx context.Context, server *model.Server, spec ClientSpec) (*ClientRef, error)
	GetClient(ctx context.Context, server *model.Server, identifier string) (*ClientConfig, error)
	GetClientStatus(ctx context.Context, server *model.Server, identifier string) (*ClientStatus, error)
	DeleteClient(ctx context.Context, server *model.Server, identifier string) (bool, error)
	ListClients(ctx context.Context, server *model.Server) ([]ClientConfig, error)
	GenerateConnectionLink(ctx context.Context, server *model.Server, identifier string) (string, error)
}
