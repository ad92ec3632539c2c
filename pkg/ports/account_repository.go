// Package ports declares the storage-agnostic interfaces that the account
// pool depends on, so the hot-path cache and the durable store can be swapped
// or migrated between without either side knowing about the other.
package ports

import (
	"context"

	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// AccountRepository is implemented by both pkg/redis (the hot path the
// dispatcher reads on every request) and pkg/sqlite (the durable store that
// survives a Redis flush and that cmd/migrate reconciles against it). Either
// one can back the account pool; cmd/migrate exists to copy state between
// them without a special-cased one-off format.
type AccountRepository interface {
	// List returns every known account, in no particular order.
	List(ctx context.Context) ([]*redis.Account, error)

	// Get returns a single account by email, or (nil, nil) if it does not exist.
	Get(ctx context.Context, email string) (*redis.Account, error)

	// Upsert creates the account if it does not exist, or replaces it entirely
	// if it does.
	Upsert(ctx context.Context, account *redis.Account) error

	// UpdateTokenCredentials updates the stored refresh token and/or API key
	// for an account without touching its other fields.
	UpdateTokenCredentials(ctx context.Context, email, refreshToken, apiKey string) error

	// UpdateProjectID updates an account's associated cloud project id.
	UpdateProjectID(ctx context.Context, email, projectID string) error

	// SetDisabled marks an account invalid (or clears that state), recording
	// why and when.
	SetDisabled(ctx context.Context, email string, disabled bool, reason string) error
}
