package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/filmroom/go/internal/dbconfig"
)

// Fixture mirrors the JSON snapshot layout.
type Fixture struct {
	Users    []User    `json:"users"`
	Teams    []Team    `json:"teams"`
	Sessions []Session `json:"sessions"`
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Team struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type Session struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	CreatorID string  `json:"creator_id"`
	TeamAID   *string `json:"team_a_id"`
	TeamBID   *string `json:"team_b_id"`
}

func main() {
	// 1) Load the JSON snapshot
	path := "go/internal/assets/dev_sessions.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var fixture Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	ctx := context.Background()
	var inserted, skipped, errs int

	upsert := func(label string, sql string, args ...interface{}) {
		cmdTag, err := pool.Exec(ctx, sql, args...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting %s: %v\n", label, err)
			errs++
			return
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	// 3) Upsert users, then teams and memberships, then sessions
	for _, u := range fixture.Users {
		upsert("user "+u.ID, `
            INSERT INTO users (id, username)
            VALUES ($1, $2)
            ON CONFLICT (id) DO NOTHING
        `, u.ID, u.Username)
	}

	for _, t := range fixture.Teams {
		upsert("team "+t.ID, `
            INSERT INTO teams (id, name)
            VALUES ($1, $2)
            ON CONFLICT (id) DO NOTHING
        `, t.ID, t.Name)
		for _, memberID := range t.MemberIDs {
			upsert("membership "+t.ID+"/"+memberID, `
                INSERT INTO team_members (team_id, user_id)
                VALUES ($1, $2)
                ON CONFLICT (team_id, user_id) DO NOTHING
            `, t.ID, memberID)
		}
	}

	for _, s := range fixture.Sessions {
		upsert("session "+s.ID, `
            INSERT INTO sessions (id, title, creator_id, team_a_id, team_b_id)
            VALUES ($1, $2, $3, $4, $5)
            ON CONFLICT (id) DO NOTHING
        `, s.ID, s.Title, s.CreatorID, s.TeamAID, s.TeamBID)
	}

	// 4) Print summary
	fmt.Printf(
		"Sessions seed complete: %d inserted, %d skipped, %d errors\n",
		inserted, skipped, errs,
	)
}
