package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/pdfdossier/dbopen"
)

// Selection narrows the documents a stage run considers.
type Selection struct {
	// Reprocess includes documents whose stage is already completed.
	Reprocess bool
	// Limit caps the number of candidates. 0 means no cap.
	Limit int
	// StaleBefore makes 'processing' claims older than this instant
	// selectable again. Zero never reclaims.
	StaleBefore time.Time
	// DocumentIDs restricts the selection to these documents.
	DocumentIDs []string
}

// Candidate is a document selected for a stage, with the status observed
// at selection time. Claim succeeds only if the status is unchanged.
type Candidate struct {
	ID       string
	Filename string
	Status   Status
}

// SelectCandidates returns documents whose prerequisite stage is completed
// and whose own status is not completed (unless sel.Reprocess). Documents
// claimed by a live worker are excluded.
func (s *Store) SelectCandidates(ctx context.Context, stage Stage, sel Selection) ([]Candidate, error) {
	c, err := stage.cols()
	if err != nil {
		return nil, err
	}

	q := `SELECT id, filename, ` + c.status + ` FROM documents WHERE 1=1`
	var args []any
	if pre, ok := stage.Prerequisite(); ok {
		pc, _ := pre.cols()
		q += ` AND ` + pc.status + ` = 'completed'`
	}
	if !sel.Reprocess {
		q += ` AND ` + c.status + ` != 'completed'`
	}
	q += ` AND (` + c.status + ` != 'processing' OR ` + c.claimed + ` IS NULL OR ` + c.claimed + ` < ?)`
	args = append(args, staleArg(sel.StaleBefore))
	if len(sel.DocumentIDs) > 0 {
		q += ` AND id IN (` + placeholders(len(sel.DocumentIDs)) + `)`
		for _, id := range sel.DocumentIDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY created_at, id`
	if sel.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, sel.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: select %s candidates: %w", stage, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var cand Candidate
		var st string
		if err := rows.Scan(&cand.ID, &cand.Filename, &st); err != nil {
			return nil, fmt.Errorf("catalog: scan candidate: %w", err)
		}
		cand.Status = Status(st)
		out = append(out, cand)
	}
	return out, rows.Err()
}

func staleArg(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.Unix()
}

// Claim atomically moves (id, stage) from the observed status to
// 'processing'. It returns false when another worker got there first or the
// status changed since selection. A 'processing' row can only be reclaimed
// when its claim is older than staleBefore.
func (s *Store) Claim(ctx context.Context, id string, stage Stage, observed Status, staleBefore time.Time) (bool, error) {
	c, err := stage.cols()
	if err != nil {
		return false, err
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE documents SET `+c.status+` = 'processing', `+c.claimed+` = ?, updated_at = ?
		 WHERE id = ? AND `+c.status+` = ?
		   AND (`+c.status+` != 'processing' OR `+c.claimed+` IS NULL OR `+c.claimed+` < ?)`,
		s.now().Unix(), s.now().Unix(), id, string(observed), staleArg(staleBefore))
	if err != nil {
		return false, fmt.Errorf("catalog: claim %s/%s: %w", id, stage, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed records a failed attempt for a claimed document. Nothing else
// about the document changes.
func (s *Store) MarkFailed(ctx context.Context, id string, stage Stage) error {
	c, err := stage.cols()
	if err != nil {
		return err
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE documents SET `+c.status+` = 'failed', `+c.claimed+` = NULL, updated_at = ?
		 WHERE id = ? AND `+c.status+` = 'processing'`+prereqGuard(stage),
		s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("catalog: mark failed %s/%s: %w", id, stage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrClaimLost, id, stage)
	}
	return nil
}

// ReleaseClaim hands back a claim whose work was interrupted. The stage
// returns to the status observed before the claim, or 'pending' when that
// was a stale 'processing', and no failure is recorded.
func (s *Store) ReleaseClaim(ctx context.Context, id string, stage Stage, observed Status) error {
	c, err := stage.cols()
	if err != nil {
		return err
	}
	if observed == "" || observed == StatusProcessing {
		observed = StatusPending
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE documents SET `+c.status+` = ?, `+c.claimed+` = NULL, updated_at = ?
		 WHERE id = ? AND `+c.status+` = 'processing'`,
		string(observed), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("catalog: release %s/%s: %w", id, stage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrClaimLost, id, stage)
	}
	return nil
}

// MarkSkipped moves unclaimed candidates to 'skipped'. The update is
// conditional on the observed status so a concurrent claim wins, and
// documents already skipped are not rewritten. It returns the number of
// rows changed.
func (s *Store) MarkSkipped(ctx context.Context, stage Stage, cands []Candidate) (int, error) {
	c, err := stage.cols()
	if err != nil {
		return 0, err
	}
	changed := 0
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		changed = 0
		now := s.now().Unix()
		for _, cand := range cands {
			if cand.Status == StatusSkipped || cand.Status == StatusProcessing {
				continue
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE documents SET `+c.status+` = 'skipped', updated_at = ?
				 WHERE id = ? AND `+c.status+` = ?`,
				now, cand.ID, string(cand.Status))
			if err != nil {
				return fmt.Errorf("catalog: mark skipped %s/%s: %w", cand.ID, stage, err)
			}
			n, _ := res.RowsAffected()
			changed += int(n)
		}
		return nil
	})
	return changed, err
}

func prereqGuard(stage Stage) string {
	pre, ok := stage.Prerequisite()
	if !ok {
		return ""
	}
	pc, _ := pre.cols()
	return ` AND ` + pc.status + ` = 'completed'`
}

// Tx groups the writes of one document's stage commit.
type Tx struct {
	tx  *sql.Tx
	now time.Time
	s   *Store
}

// InTx runs fn in a single catalog transaction (retried on SQLITE_BUSY).
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return fn(&Tx{tx: tx, now: s.now(), s: s})
	})
}

// CompleteStage moves a claimed stage to 'completed'. It fails with
// ErrClaimLost when the claim was taken over, which rolls the whole
// document commit back.
func (t *Tx) CompleteStage(ctx context.Context, id string, stage Stage) error {
	c, err := stage.cols()
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE documents SET `+c.status+` = 'completed', `+c.claimed+` = NULL, updated_at = ?
		 WHERE id = ? AND `+c.status+` = 'processing'`+prereqGuard(stage),
		t.now.Unix(), id)
	if err != nil {
		return fmt.Errorf("catalog: complete %s/%s: %w", id, stage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrClaimLost, id, stage)
	}
	return nil
}

// ResetStages puts the given stages of a document back to 'pending'.
// Used when the source content changed and downstream work is stale.
func (t *Tx) ResetStages(ctx context.Context, id string, stages ...Stage) error {
	for _, st := range stages {
		c, err := st.cols()
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE documents SET `+c.status+` = 'pending', `+c.claimed+` = NULL, updated_at = ? WHERE id = ?`,
			t.now.Unix(), id); err != nil {
			return fmt.Errorf("catalog: reset %s/%s: %w", id, st, err)
		}
	}
	return nil
}

// PatchDocument applies p within the transaction.
func (t *Tx) PatchDocument(ctx context.Context, id string, p DocumentPatch) error {
	return patchDocument(ctx, t.tx, id, p, t.now)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := range n {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
