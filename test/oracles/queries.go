package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must return zero rows against any
// committed snapshot; a returned row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			// An active pair's cached (round, turn) must agree with the
			// approval counts of its current round. Writes commit the
			// statement and the advancement together, so no committed
			// snapshot may show a half-applied turn.
			Name: "O1_turn_matches_counts",
			SQL: `SELECT p.id, p.current_round, p.current_turn, ca.c AS approvals_a, cb.c AS approvals_b
                  FROM pairs p
                  CROSS JOIN LATERAL (
                      SELECT COUNT(*) AS c FROM statements s
                      WHERE s.pair_id = p.id AND s.author_role = 'A'
                        AND s.round_number = p.current_round AND s.approved_text IS NOT NULL) ca
                  CROSS JOIN LATERAL (
                      SELECT COUNT(*) AS c FROM statements s
                      WHERE s.pair_id = p.id AND s.author_role = 'B'
                        AND s.round_number = p.current_round AND s.approved_text IS NOT NULL) cb
                  WHERE p.status = 'active'
                    AND NOT ((ca.c = 0 AND cb.c = 0 AND p.current_turn = 'A')
                          OR (ca.c = 1 AND cb.c = 0 AND p.current_turn = 'B'))`,
		},
		{
			Name: "O2_completed_means_full",
			SQL: `SELECT p.id, p.current_round FROM pairs p
                  WHERE p.status = 'completed'
                    AND (p.current_round <> 5
                      OR (SELECT COUNT(*) FROM statements s
                          WHERE s.pair_id = p.id AND s.approved_text IS NOT NULL) <> 10)`,
		},
		{
			Name: "O3_no_round_gaps",
			SQL: `SELECT s.pair_id, s.round_number FROM statements s
                  WHERE s.approved_text IS NOT NULL AND s.round_number > 1
                    AND (SELECT COUNT(*) FROM statements q
                         WHERE q.pair_id = s.pair_id
                           AND q.round_number = s.round_number - 1
                           AND q.approved_text IS NOT NULL) < 2`,
		},
		{
			Name: "O4_no_future_rounds",
			SQL: `SELECT s.pair_id, s.round_number, p.current_round FROM statements s
                  JOIN pairs p ON p.id = s.pair_id
                  WHERE p.status = 'active' AND s.round_number > p.current_round`,
		},
		{
			Name: "O5_role_b_requires_accepted_invite",
			SQL: `SELECT m.pair_id FROM pair_members m
                  WHERE m.role = 'B'
                    AND NOT EXISTS (SELECT 1 FROM invites i
                                    WHERE i.pair_id = m.pair_id AND i.status = 'accepted')`,
		},
		{
			Name: "O6_single_accepted_invite",
			SQL: `SELECT pair_id, COUNT(*) FROM invites
                  WHERE status = 'accepted'
                  GROUP BY pair_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_approvals_are_complete",
			SQL: `SELECT id FROM statements
                  WHERE approved_text IS NULL OR approved_at IS NULL`,
		},
		{
			Name: "O8_author_is_member",
			SQL: `SELECT s.id FROM statements s
                  WHERE NOT EXISTS (SELECT 1 FROM pair_members m
                                    WHERE m.pair_id = s.pair_id AND m.role = s.author_role)`,
		},
		{
			// Acceptance archives the acceptor's empty solo pair, so a
			// user never holds two active memberships at once.
			Name: "O9_single_active_membership",
			SQL: `SELECT m.user_id, COUNT(*) FROM pair_members m
                  JOIN pairs p ON p.id = m.pair_id
                  WHERE p.status = 'active'
                  GROUP BY m.user_id HAVING COUNT(*) > 1`,
		},
		{
			// Only empty solo pairs are ever archived.
			Name: "O10_archived_pairs_are_empty",
			SQL: `SELECT p.id FROM pairs p
                  WHERE p.status = 'archived'
                    AND ((SELECT COUNT(*) FROM pair_members m WHERE m.pair_id = p.id) <> 1
                      OR EXISTS (SELECT 1 FROM statements s WHERE s.pair_id = p.id))`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
