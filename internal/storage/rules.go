package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcastd/internal/model"
)

func (s *Store) CreateRule(ctx context.Context, r model.ForwardingRule) (model.ForwardingRule, error) {
	r.Keyword = strings.TrimSpace(r.Keyword)
	if r.Keyword == "" {
		return model.ForwardingRule{}, errors.New("rule keyword is required")
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO forwarding_rules(keyword, source_group_id, dest_group_id, message, rule_type, label)
		 VALUES(?,?,?,?,?,?)`,
		r.Keyword, r.SourceGroupID, r.DestGroupID, r.Message, r.RuleType, r.Label)
	if err != nil {
		return model.ForwardingRule{}, fmt.Errorf("insert rule: %w", err)
	}
	r.ID = id
	return r, nil
}

// ListRules returns every forwarding rule ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]model.ForwardingRule, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, keyword, source_group_id, dest_group_id, message, rule_type, label
		   FROM forwarding_rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ForwardingRule
	for rows.Next() {
		var r model.ForwardingRule
		if err := rows.Scan(&r.ID, &r.Keyword, &r.SourceGroupID, &r.DestGroupID, &r.Message, &r.RuleType, &r.Label); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogMessage appends one entry to the message journal.
func (s *Store) LogMessage(ctx context.Context, e model.MessageLogEntry) (model.MessageLogEntry, error) {
	if e.Date.IsZero() {
		e.Date = time.Now()
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO messages(direction, backend, identity, contact_id, text, date) VALUES(?,?,?,?,?,?)`,
		string(e.Direction), e.Backend, e.Identity, nullInt64(e.ContactID), e.Text, s.d.time(e.Date))
	if err != nil {
		return model.MessageLogEntry{}, fmt.Errorf("log message: %w", err)
	}
	e.ID = id
	return e, nil
}

// CountMessages counts journal entries in direction with date in [start, end].
func (s *Store) CountMessages(ctx context.Context, dir model.Direction, start, end time.Time) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*) FROM messages WHERE direction = ? AND date >= ? AND date <= ?`,
		string(dir), s.d.time(start), s.d.time(end)).Scan(&n)
	return n, err
}

// DateAttributes returns the seeded weekday and month reference rows.
func (s *Store) DateAttributes(ctx context.Context) ([]model.DateAttribute, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT name, type, value FROM date_attributes ORDER BY type DESC, value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DateAttribute
	for rows.Next() {
		var (
			a  model.DateAttribute
			tp string
		)
		if err := rows.Scan(&a.Name, &tp, &a.Value); err != nil {
			return nil, err
		}
		a.Type = model.DateAttributeType(tp)
		out = append(out, a)
	}
	return out, rows.Err()
}
