package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/filmroom/go/internal/presence"
)

// Repository reads session eligibility data from Postgres. Sessions, teams
// and users are owned by the CRUD services; this layer only reads them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new session repository over the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetEligibleUsers returns a session's point-marking candidate pool: the
// creator plus the members of its two associated teams.
func (r *Repository) GetEligibleUsers(ctx context.Context, sessionID uuid.UUID) (presence.EligibleUsers, error) {
	var (
		creatorID uuid.UUID
		teamAID   *uuid.UUID
		teamBID   *uuid.UUID
	)
	err := r.pool.QueryRow(ctx, `
        SELECT creator_id, team_a_id, team_b_id
        FROM sessions
        WHERE id = $1`, sessionID).Scan(&creatorID, &teamAID, &teamBID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return presence.EligibleUsers{}, presence.ErrSessionNotFound
		}
		return presence.EligibleUsers{}, fmt.Errorf("query session %s: %w", sessionID, err)
	}

	eligible := presence.EligibleUsers{CreatorID: creatorID}

	if teamAID != nil {
		eligible.TeamAMemberIDs, err = r.teamMembers(ctx, *teamAID)
		if err != nil {
			return presence.EligibleUsers{}, err
		}
	}
	if teamBID != nil {
		eligible.TeamBMemberIDs, err = r.teamMembers(ctx, *teamBID)
		if err != nil {
			return presence.EligibleUsers{}, err
		}
	}
	return eligible, nil
}

func (r *Repository) teamMembers(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT user_id
        FROM team_members
        WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query members of team %s: %w", teamID, err)
	}
	defer rows.Close()

	var members []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members of team %s: %w", teamID, err)
	}
	return members, nil
}

// GetUsername returns the display name for a user id. Unknown users resolve
// to an empty name rather than an error; identity is owned elsewhere.
func (r *Repository) GetUsername(ctx context.Context, userID uuid.UUID) (string, error) {
	var username string
	err := r.pool.QueryRow(ctx, `
        SELECT username
        FROM users
        WHERE id = $1`, userID).Scan(&username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query username for %s: %w", userID, err)
	}
	return username, nil
}
