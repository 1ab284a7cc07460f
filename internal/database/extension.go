package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/epvx/routingd/internal/database/models"
)

// ExtensionStore is the read-only store gateway the tree builder pulls
// from. All queries are point lookups; the builder issues many of them
// concurrently per request, bounded by the pool's max connections.
type ExtensionStore struct {
	db *DB
}

// NewExtensionStore creates the store gateway.
func NewExtensionStore(db *DB) *ExtensionStore {
	return &ExtensionStore{db: db}
}

const extensionColumns = `id, number, name, short_name, yate_id, outgoing_extension,
	 outgoing_name, dialout_allowed, ringback, forwarding_delay,
	 forwarding_extension_id, lang, type, forwarding_mode`

// ExtensionByNumber resolves a dialed number. Returns (nil, nil) when the
// number is not provisioned.
func (s *ExtensionStore) ExtensionByNumber(ctx context.Context, number string) (*models.Extension, error) {
	return scanExtension(s.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE number = $1`, number,
	))
}

// ExtensionByID loads an extension by surrogate id.
func (s *ExtensionStore) ExtensionByID(ctx context.Context, id int64) (*models.Extension, error) {
	return scanExtension(s.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE id = $1`, id,
	))
}

// ForkRanks loads the fork ranks of an extension in index order with their
// members pre-joined in stored order. Ranks without members are not part
// of the result; they cannot contribute to routing.
func (s *ExtensionStore) ForkRanks(ctx context.Context, extensionID int64) ([]models.ForkRank, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.extension_id, r."index", COALESCE(r.delay, 0), r.mode,
		        m.extension_id, m.active, m.type
		 FROM fork_ranks r
		 JOIN fork_rank_members m ON m.fork_rank_id = r.id
		 WHERE r.extension_id = $1
		 ORDER BY r."index", m.id`, extensionID)
	if err != nil {
		return nil, fmt.Errorf("querying fork ranks: %w", err)
	}
	defer rows.Close()

	var ranks []models.ForkRank
	var current *models.ForkRank
	for rows.Next() {
		var (
			rank   models.ForkRank
			member models.RankMember
		)
		if err := rows.Scan(&rank.ID, &rank.ExtensionID, &rank.Index, &rank.Delay,
			&rank.Mode, &member.ExtensionID, &member.Active, &member.Type); err != nil {
			return nil, fmt.Errorf("scanning fork rank row: %w", err)
		}
		if current == nil || current.ID != rank.ID {
			ranks = append(ranks, rank)
			current = &ranks[len(ranks)-1]
		}
		current.Members = append(current.Members, member)
	}
	return ranks, rows.Err()
}

func scanExtension(row *sql.Row) (*models.Extension, error) {
	var (
		e               models.Extension
		yateID          sql.NullInt64
		forwardingDelay sql.NullInt64
		forwardTargetID sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Number, &e.Name, &e.ShortName, &yateID,
		&e.OutgoingNumber, &e.OutgoingName, &e.DialoutAllowed, &e.Ringback,
		&forwardingDelay, &forwardTargetID, &e.Lang, &e.Type, &e.ForwardingMode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	if yateID.Valid {
		e.YateID = &yateID.Int64
	}
	if forwardingDelay.Valid {
		delay := int(forwardingDelay.Int64)
		e.ForwardingDelay = &delay
	}
	if forwardTargetID.Valid {
		e.ForwardingExtensionID = &forwardTargetID.Int64
	}
	return &e, nil
}
