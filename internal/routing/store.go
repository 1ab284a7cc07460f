package routing

import (
	"context"

	"github.com/epvx/routingd/internal/database/models"
)

// Store is the read-only view of the routing database that discovery needs.
// Lookups return (nil, nil) when no row matches; a non-nil error indicates
// a transport failure and is surfaced as STORE_UNAVAILABLE.
type Store interface {
	// ExtensionByNumber resolves a dialed number to an extension.
	ExtensionByNumber(ctx context.Context, number string) (*models.Extension, error)
	// ExtensionByID loads an extension by its surrogate id.
	ExtensionByID(ctx context.Context, id int64) (*models.Extension, error)
	// ForkRanks returns the extension's fork ranks in index order, each
	// with its members pre-joined in stored order.
	ForkRanks(ctx context.Context, extensionID int64) ([]models.ForkRank, error)
}
