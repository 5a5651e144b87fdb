package history

import (
	"context"
	"errors"
	"strings"
)

// ErrTurnNotFound is returned by GetTurn when no turn with that ID exists.
var ErrTurnNotFound = errors.New("turn not found")

// NewStore creates a postgres-backed store when a database URL is
// configured, otherwise an in-memory one. The pipeline never branches on
// which binding is active beyond this call.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
