// Package storage implements the auto-scaling tiered message store: an
// embedded relational tier, a hybrid tier with async remote replication, and
// a remote document tier, coordinated by an orchestrator that hot-swaps
// between them based on live load metrics.
package storage

import (
	"context"
	"errors"
	"time"

	"carewire/internal/models"
)

// Error kinds surfaced by storage backends and the orchestrator.
var (
	// ErrStorageUnavailable means the active backend's call failed. The
	// orchestrator escalates one tier and retries before surfacing it.
	ErrStorageUnavailable = errors.New("storage backend unavailable")

	// ErrUnsupportedCapability means the backend does not implement an
	// optional operation (search, delete). Surfaced directly, never retried.
	ErrUnsupportedCapability = errors.New("operation not supported by storage backend")
)

// Tier identifies a storage tier. Ordering is meaningful: escalation only
// ever moves to a higher tier.
type Tier int

// Storage tiers, lowest to highest.
const (
	TierEmbedded Tier = iota
	TierHybrid
	TierRemote
)

// String returns the tier's wire name.
func (t Tier) String() string {
	switch t {
	case TierEmbedded:
		return "embedded"
	case TierHybrid:
		return "hybrid"
	case TierRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Next returns the next tier up and whether one exists.
func (t Tier) Next() (Tier, bool) {
	if t >= TierRemote {
		return t, false
	}
	return t + 1, true
}

// ParseTier maps a wire name back to a Tier.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "embedded":
		return TierEmbedded, true
	case "hybrid":
		return TierHybrid, true
	case "remote":
		return TierRemote, true
	default:
		return TierEmbedded, false
	}
}

// Backend is the contract every storage tier implements. Message content is
// already ciphertext when it reaches a backend; no tier ever sees plaintext.
//
// Retrieve returns (nil, nil) for an unknown ID. Delete and Search are
// optional capabilities; implementations without them return
// ErrUnsupportedCapability.
type Backend interface {
	// Tier reports which tier this backend implements.
	Tier() Tier

	// Store persists the message envelope.
	Store(ctx context.Context, msg *models.Message) error

	// Retrieve fetches one message by ID.
	Retrieve(ctx context.Context, id string) (*models.Message, error)

	// RetrieveConversation lists up to limit messages of a conversation in
	// reverse chronological order, optionally only those created before the
	// given timestamp.
	RetrieveConversation(ctx context.Context, conversationID uint, limit int, before *time.Time) ([]*models.Message, error)

	// RecentMessages lists messages created after since, newest first, for
	// background migration between tiers.
	RecentMessages(ctx context.Context, since time.Time, limit int) ([]*models.Message, error)

	// Delete soft-deletes a message. Optional capability.
	Delete(ctx context.Context, id string) error

	// Search finds messages whose decrypted content matches the query,
	// optionally scoped to one conversation. Optional capability.
	Search(ctx context.Context, query string, conversationID *uint) ([]*models.Message, error)

	// Close releases backend resources. Backends are disposable: a tier
	// switch replaces the instance wholesale.
	Close() error
}
