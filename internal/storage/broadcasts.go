package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"broadcastd/internal/model"
	logx "broadcastd/pkg/logx"
)

const broadcastColumns = `id, body, date, date_created, frequency, end_date, weekdays, months, forward_id`

// CreateBroadcast normalizes, validates and inserts b with its target groups.
func (s *Store) CreateBroadcast(ctx context.Context, b model.Broadcast) (model.Broadcast, error) {
	b.Normalize()
	if err := b.Validate(); err != nil {
		return model.Broadcast{}, err
	}
	if b.DateCreated.IsZero() {
		b.DateCreated = time.Now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertID(ctx, tx,
			`INSERT INTO broadcasts(body, date, date_created, frequency, end_date, weekdays, months, forward_id)
			 VALUES(?,?,?,?,?,?,?,?)`,
			b.Body, s.d.time(b.Date), s.d.time(b.DateCreated), frequencyArg(b.Frequency),
			s.d.timePtr(b.EndDate), weekdayList(b.Weekdays), monthList(b.Months), nullInt64(b.ForwardID),
		)
		if err != nil {
			return fmt.Errorf("insert broadcast: %w", err)
		}
		for _, g := range b.Groups {
			if _, err := s.exec(ctx, tx, `INSERT INTO broadcast_groups(broadcast_id, group_id) VALUES(?,?)`, id, g); err != nil {
				return fmt.Errorf("insert broadcast group %d: %w", g, err)
			}
		}
		b.ID = id
		return nil
	})
	if err != nil {
		return model.Broadcast{}, err
	}
	return b, nil
}

func (s *Store) GetBroadcast(ctx context.Context, id int64) (model.Broadcast, error) {
	return s.loadBroadcast(ctx, s.db, id, "")
}

// DisableBroadcast clears the frequency; rows are never deleted.
func (s *Store) DisableBroadcast(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, s.db, `UPDATE broadcasts SET frequency = NULL WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("broadcast %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReadyBroadcastIDs lists enabled broadcasts whose date is not after now.
func (s *Store) ReadyBroadcastIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id FROM broadcasts WHERE frequency IS NOT NULL AND date <= ? ORDER BY date, id`, s.d.time(now))
	if err != nil {
		return nil, err
	}
	return int64Rows(rows)
}

// FanOut queues one message per distinct reachable recipient of broadcast id,
// then lets advance move the schedule forward, all in one transaction.
// A broadcast that is no longer ready is skipped with (0, nil).
func (s *Store) FanOut(ctx context.Context, id int64, now time.Time, advance func(*model.Broadcast)) (int, error) {
	queued := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		queued = 0
		b, err := s.loadBroadcast(ctx, tx, id, s.d.lockRow)
		if err != nil {
			return err
		}
		if !b.Enabled() || b.Date.After(now) {
			s.log.Debug("broadcast no longer ready", logx.Int64("broadcast_id", id))
			return nil
		}

		rows, err := s.query(ctx, tx,
			`SELECT DISTINCT gm.contact_id
			   FROM broadcast_groups bg
			   JOIN group_members gm ON gm.group_id = bg.group_id
			  WHERE bg.broadcast_id = ?
			    AND EXISTS (SELECT 1 FROM connections c WHERE c.contact_id = gm.contact_id)
			  ORDER BY gm.contact_id`, id)
		if err != nil {
			return fmt.Errorf("resolve recipients: %w", err)
		}
		recipients, err := int64Rows(rows)
		if err != nil {
			return fmt.Errorf("resolve recipients: %w", err)
		}

		occurrence := s.d.time(b.Date)
		created := s.d.time(now)
		for _, rid := range recipients {
			res, err := s.exec(ctx, tx,
				`INSERT INTO broadcast_messages(broadcast_id, recipient_id, status, date_created, occurrence)
				 VALUES(?,?,?,?,?)
				 ON CONFLICT(broadcast_id, recipient_id, occurrence) DO NOTHING`,
				id, rid, string(model.StatusQueued), created, occurrence)
			if err != nil {
				return fmt.Errorf("queue message for contact %d: %w", rid, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				queued++
			}
		}

		advance(&b)
		if _, err := s.exec(ctx, tx, `UPDATE broadcasts SET date = ?, frequency = ? WHERE id = ?`,
			s.d.time(b.Date), frequencyArg(b.Frequency), id); err != nil {
			return fmt.Errorf("advance broadcast: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return queued, nil
}

// RecentBodies returns up to limit distinct bodies of enabled, user-authored
// broadcasts, most recent first. When groups is non-empty only broadcasts
// targeting those groups count. Broadcasts to the group named excludeGroup are
// left out unless that group is among groups.
func (s *Store) RecentBodies(ctx context.Context, groups []int64, limit int, excludeGroup string) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT b.body FROM broadcasts b WHERE b.frequency IS NOT NULL AND b.forward_id IS NULL`
	var args []any
	if len(groups) > 0 {
		q += ` AND EXISTS (SELECT 1 FROM broadcast_groups bg WHERE bg.broadcast_id = b.id AND bg.group_id IN (` + placeholders(len(groups)) + `))`
		for _, g := range groups {
			args = append(args, g)
		}
	}
	if excludeGroup != "" {
		requested := false
		if len(groups) > 0 {
			gargs := append([]any{excludeGroup}, args...)
			var n int
			if err := s.queryRow(ctx, s.db,
				`SELECT COUNT(*) FROM contact_groups WHERE name = ? AND id IN (`+placeholders(len(groups))+`)`,
				gargs...).Scan(&n); err != nil {
				return nil, err
			}
			requested = n > 0
		}
		if !requested {
			q += ` AND NOT EXISTS (SELECT 1 FROM broadcast_groups bg JOIN contact_groups g ON g.id = bg.group_id
			                        WHERE bg.broadcast_id = b.id AND g.name = ?)`
			args = append(args, excludeGroup)
		}
	}
	q += ` GROUP BY b.body ORDER BY MAX(b.date) DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// ForwardedCounts aggregates, per forwarding rule, the broadcasts created in
// [start, end] and the messages queued for them in any status.
func (s *Store) ForwardedCounts(ctx context.Context, start, end time.Time) ([]ForwardedCount, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT b.forward_id, COUNT(DISTINCT b.id), COUNT(m.id)
		   FROM broadcasts b
		   LEFT JOIN broadcast_messages m ON m.broadcast_id = b.id
		  WHERE b.forward_id IS NOT NULL AND b.date_created >= ? AND b.date_created <= ?
		  GROUP BY b.forward_id
		  ORDER BY b.forward_id`, s.d.time(start), s.d.time(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ForwardedCount
	for rows.Next() {
		var c ForwardedCount
		if err := rows.Scan(&c.RuleID, &c.Broadcasts, &c.Messages); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns every message queued for a broadcast, oldest first.
func (s *Store) Messages(ctx context.Context, broadcastID int64) ([]model.BroadcastMessage, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, broadcast_id, recipient_id, status, date_created, date_sent, occurrence, claimed_at
		   FROM broadcast_messages WHERE broadcast_id = ? ORDER BY id`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BroadcastMessage
	for rows.Next() {
		var (
			m             model.BroadcastMessage
			status        string
			created, occ  dbTime
			sent, claimed dbTime
		)
		if err := rows.Scan(&m.ID, &m.BroadcastID, &m.RecipientID, &status, &created, &sent, &occ, &claimed); err != nil {
			return nil, err
		}
		m.Status = model.Status(status)
		m.DateCreated = created.T
		m.DateSent = sent.ptr()
		m.Occurrence = occ.T
		m.ClaimedAt = claimed.ptr()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) loadBroadcast(ctx context.Context, q queryer, id int64, lock string) (model.Broadcast, error) {
	var (
		b                  model.Broadcast
		date, created, end dbTime
		freq               sql.NullString
		weekdays, months   string
		forward            sql.NullInt64
	)
	err := s.queryRow(ctx, q, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`+lock, id).
		Scan(&b.ID, &b.Body, &date, &created, &freq, &end, &weekdays, &months, &forward)
	if err != nil {
		return model.Broadcast{}, notFound("broadcast", id, err)
	}
	b.Date = date.T
	b.DateCreated = created.T
	b.EndDate = end.ptr()
	if freq.Valid {
		f, err := model.ParseFrequency(freq.String)
		if err != nil {
			return model.Broadcast{}, fmt.Errorf("broadcast %d: %w", id, err)
		}
		b.Frequency = f
	}
	if forward.Valid {
		v := forward.Int64
		b.ForwardID = &v
	}
	wd, err := parseIntList(weekdays)
	if err != nil {
		return model.Broadcast{}, err
	}
	for _, v := range wd {
		b.Weekdays = append(b.Weekdays, model.Weekday(v))
	}
	ms, err := parseIntList(months)
	if err != nil {
		return model.Broadcast{}, err
	}
	for _, v := range ms {
		b.Months = append(b.Months, time.Month(v))
	}

	rows, err := s.query(ctx, q, `SELECT group_id FROM broadcast_groups WHERE broadcast_id = ? ORDER BY group_id`, id)
	if err != nil {
		return model.Broadcast{}, err
	}
	if b.Groups, err = int64Rows(rows); err != nil {
		return model.Broadcast{}, err
	}
	return b, nil
}

func frequencyArg(f *model.Frequency) any {
	if f == nil {
		return nil
	}
	return string(*f)
}

func weekdayList(ws []model.Weekday) intList {
	out := make(intList, len(ws))
	for i, w := range ws {
		out[i] = int(w)
	}
	return out
}

func monthList(ms []time.Month) intList {
	out := make(intList, len(ms))
	for i, m := range ms {
		out[i] = int(m)
	}
	return out
}
