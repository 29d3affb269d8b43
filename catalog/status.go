package catalog

import (
	"context"
	"fmt"
)

// StageCounts returns, for every stage, the number of documents per status.
// Every (stage, status) pair is present, zero when unused.
func (s *Store) StageCounts(ctx context.Context) (map[Stage]map[Status]int, error) {
	out := make(map[Stage]map[Status]int, len(Stages))
	for _, stage := range Stages {
		counts := make(map[Status]int, len(Statuses))
		for _, st := range Statuses {
			counts[st] = 0
		}
		out[stage] = counts

		c, _ := stage.cols()
		rows, err := s.DB.QueryContext(ctx,
			`SELECT `+c.status+`, COUNT(*) FROM documents GROUP BY `+c.status)
		if err != nil {
			return nil, fmt.Errorf("catalog: count %s: %w", stage, err)
		}
		for rows.Next() {
			var st string
			var n int
			if err := rows.Scan(&st, &n); err != nil {
				rows.Close()
				return nil, err
			}
			counts[Status(st)] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountDocuments returns the number of catalogued documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count documents: %w", err)
	}
	return n, nil
}
