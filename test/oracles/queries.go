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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_per_tuple",
			SQL: `SELECT initiator_id, offered_item_id, requested_item_id, COUNT(*) FROM exchanges
                  WHERE status IN ('Sent','Accepted')
                  GROUP BY initiator_id, offered_item_id, requested_item_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT exchange_id, seq,
                             LAG(seq) OVER (PARTITION BY exchange_id ORDER BY seq) AS prev
                      FROM exchange_timeline)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O3_resolved_without_updated_at",
			SQL: `SELECT id, status FROM exchanges
                  WHERE status IN ('Accepted','Declined','Cancelled','Completed') AND updated_at IS NULL`,
		},
		{
			Name: "O4_identical_items",
			SQL:  `SELECT id FROM exchanges WHERE offered_item_id = requested_item_id`,
		},
		{
			Name: "O5_timeline_matches_status",
			SQL: `SELECT e.id, e.status, COUNT(t.seq) AS entries FROM exchanges e
                  LEFT JOIN exchange_timeline t ON t.exchange_id = e.id
                  GROUP BY e.id, e.status
                  HAVING (e.status = 'Sent' AND COUNT(t.seq) <> 0)
                      OR (e.status IN ('Accepted','Declined') AND COUNT(t.seq) <> 1)
                      OR (e.status = 'Completed' AND COUNT(t.seq) <> 2)
                      OR (e.status = 'Cancelled' AND COUNT(t.seq) NOT IN (1, 2))`,
		},
		{
			Name: "O6_exchange_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='exchanges_no_delete')`,
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
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
