package history

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends task_history rows. Rows are written inside the caller's
// transaction when one is given, so a transition and its audit trail commit
// together where the caller wants that.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

const insertSQL = `INSERT INTO task_history(task_id,old_status,new_status,reason,changed_at) VALUES (?,?,?,?,?)`

func (w Writer) Append(ctx context.Context, taskID, oldStatus, newStatus, reason string) error {
	_, err := w.DB.ExecContext(ctx, insertSQL, taskID, oldStatus, newStatus, nullable(reason), w.ts())
	return err
}

func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, taskID, oldStatus, newStatus, reason string) error {
	_, err := tx.ExecContext(ctx, insertSQL, taskID, oldStatus, newStatus, nullable(reason), w.ts())
	return err
}

func (w Writer) ts() string {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
