package storage

import (
	"fmt"
	"time"

	"carewire/internal/crypto"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// NewBackendFactory returns the standard factory building each tier from the
// shared database handle, Redis client, and codec. The switch is exhaustive
// over the closed Tier enum; an unknown tier is a programming error.
func NewBackendFactory(db *gorm.DB, rdb *redis.Client, codec *crypto.ContentCodec, recencyWindow time.Duration) BackendFactory {
	return func(tier Tier) (Backend, error) {
		switch tier {
		case TierEmbedded:
			return NewEmbeddedStore(db, codec), nil
		case TierHybrid:
			local := NewEmbeddedStore(db, codec)
			remote := NewRemoteDocumentStore(rdb, db)
			return NewHybridStore(local, remote, recencyWindow), nil
		case TierRemote:
			return NewRemoteDocumentStore(rdb, db), nil
		default:
			return nil, fmt.Errorf("unknown storage tier %d", tier)
		}
	}
}
