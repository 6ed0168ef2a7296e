// Package store defines the persistence interface for relay metadata
// that must survive restarts: the link table and its claim lists.
package store

import (
	"context"
	"time"
)

// Link is one persisted relayed channel.
type Link struct {
	ID        int64
	Channel   string   // folded channel name
	Home      string   // home network
	Networks  []string // mirroring networks
	Claim     []string // networks allowed administrative actions
	CreatedAt time.Time
}

// Store persists relay links.
type Store interface {
	// SaveLink inserts or replaces the link identified by (Channel, Home).
	SaveLink(ctx context.Context, link Link) (int64, error)
	// DeleteLink removes a link and its members/claims.
	DeleteLink(ctx context.Context, channel, home string) error
	// ListLinks returns every persisted link.
	ListLinks(ctx context.Context) ([]Link, error)
	// SetClaim replaces a link's claim list.
	SetClaim(ctx context.Context, channel, home string, networks []string) error
	Close() error
}
