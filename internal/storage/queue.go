package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"broadcastd/internal/model"
)

// ClaimQueued marks up to limit queued messages as claimed at now, oldest
// first, and returns them with the broadcast body and the recipient's
// preferred connection. Messages claimed before staleBefore are claimable
// again, which recovers work left behind by a crashed drain.
func (s *Store) ClaimQueued(ctx context.Context, limit int, now, staleBefore time.Time) ([]model.Outbound, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []model.Outbound
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`UPDATE broadcast_messages SET claimed_at = ?
			  WHERE id IN (
			        SELECT id FROM broadcast_messages
			         WHERE status = ? AND (claimed_at IS NULL OR claimed_at < ?)
			         ORDER BY id
			         LIMIT ?`+s.d.skipLocked+`)
			 RETURNING id`,
			s.d.time(now), string(model.StatusQueued), s.d.time(staleBefore), limit)
		if err != nil {
			return fmt.Errorf("claim messages: %w", err)
		}
		ids, err := int64Rows(rows)
		if err != nil {
			return fmt.Errorf("claim messages: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err = s.query(ctx, tx,
			`SELECT m.id, m.broadcast_id, m.recipient_id, b.body,
			        COALESCE(c.backend, ''), COALESCE(c.identity, '')
			   FROM broadcast_messages m
			   JOIN broadcasts b ON b.id = m.broadcast_id
			   LEFT JOIN connections c ON c.id = (
			        SELECT MIN(c2.id) FROM connections c2 WHERE c2.contact_id = m.recipient_id)
			  WHERE m.id IN (`+placeholders(len(ids))+`)
			  ORDER BY m.id`, args...)
		if err != nil {
			return fmt.Errorf("load claimed messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var o model.Outbound
			if err := rows.Scan(&o.MessageID, &o.BroadcastID, &o.RecipientID, &o.Body, &o.Backend, &o.Identity); err != nil {
				return err
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSent moves a queued message to sent. A message leaves queued only once.
func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return s.finish(ctx, id, model.StatusSent, &at)
}

// MarkError moves a queued message to error.
func (s *Store) MarkError(ctx context.Context, id int64) error {
	return s.finish(ctx, id, model.StatusError, nil)
}

func (s *Store) finish(ctx context.Context, id int64, status model.Status, sent *time.Time) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE broadcast_messages SET status = ?, date_sent = ?, claimed_at = NULL
		  WHERE id = ? AND status = ?`,
		string(status), s.d.timePtr(sent), id, string(model.StatusQueued))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queued message %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountByStatus returns message counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT status, COUNT(*) FROM broadcast_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[model.Status(st)] = n
	}
	return out, rows.Err()
}
