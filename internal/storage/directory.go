package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"broadcastd/internal/model"
)

func (s *Store) CreateContact(ctx context.Context, c model.Contact) (model.Contact, error) {
	if strings.TrimSpace(c.Name) == "" {
		return model.Contact{}, errors.New("contact name is required")
	}
	id, err := s.insertID(ctx, s.db, `INSERT INTO contacts(name, email) VALUES(?,?)`, c.Name, c.Email)
	if err != nil {
		return model.Contact{}, fmt.Errorf("insert contact: %w", err)
	}
	c.ID = id
	return c, nil
}

func (s *Store) CreateGroup(ctx context.Context, name string) (model.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Group{}, errors.New("group name is required")
	}
	id, err := s.insertID(ctx, s.db, `INSERT INTO contact_groups(name) VALUES(?)`, name)
	if err != nil {
		return model.Group{}, fmt.Errorf("insert group: %w", err)
	}
	return model.Group{ID: id, Name: name}, nil
}

// AddToGroup is idempotent.
func (s *Store) AddToGroup(ctx context.Context, groupID, contactID int64) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO group_members(group_id, contact_id) VALUES(?,?)
		 ON CONFLICT(group_id, contact_id) DO NOTHING`, groupID, contactID)
	return err
}

// CreateConnection registers a (backend, identity) pair, optionally bound to a contact.
func (s *Store) CreateConnection(ctx context.Context, c model.Connection) (model.Connection, error) {
	c.Backend = strings.TrimSpace(c.Backend)
	c.Identity = strings.TrimSpace(c.Identity)
	if c.Backend == "" || c.Identity == "" {
		return model.Connection{}, errors.New("connection backend and identity are required")
	}
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO connections(backend, identity, contact_id) VALUES(?,?,?)`,
		c.Backend, c.Identity, nullInt64(c.ContactID))
	if err != nil {
		return model.Connection{}, fmt.Errorf("insert connection: %w", err)
	}
	c.ID = id
	return c, nil
}

// ContactByConnection resolves the contact bound to (backend, identity).
// Unknown connections and connections without a contact return ErrNotFound.
func (s *Store) ContactByConnection(ctx context.Context, backend, identity string) (model.Contact, error) {
	var c model.Contact
	err := s.queryRow(ctx, s.db,
		`SELECT ct.id, ct.name, ct.email
		   FROM connections cn JOIN contacts ct ON ct.id = cn.contact_id
		  WHERE cn.backend = ? AND cn.identity = ?`, backend, identity).
		Scan(&c.ID, &c.Name, &c.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contact{}, fmt.Errorf("contact for %s:%s: %w", backend, identity, ErrNotFound)
	}
	if err != nil {
		return model.Contact{}, err
	}
	return c, nil
}

// InGroup reports whether contactID is a member of groupID.
func (s *Store) InGroup(ctx context.Context, contactID, groupID int64) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND contact_id = ?`, groupID, contactID).Scan(&n)
	return n > 0, err
}

// GroupByName returns ErrNotFound for unknown names.
func (s *Store) GroupByName(ctx context.Context, name string) (model.Group, error) {
	var g model.Group
	err := s.queryRow(ctx, s.db, `SELECT id, name FROM contact_groups WHERE name = ?`, name).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, fmt.Errorf("group %q: %w", name, ErrNotFound)
	}
	return g, err
}

// GroupDestinations returns the preferred connection of every reachable member of groupID.
func (s *Store) GroupDestinations(ctx context.Context, groupID int64) ([]model.Connection, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT c.id, c.backend, c.identity, c.contact_id
		   FROM group_members gm
		   JOIN connections c ON c.id = (
		        SELECT MIN(c2.id) FROM connections c2 WHERE c2.contact_id = gm.contact_id)
		  WHERE gm.group_id = ?
		  ORDER BY gm.contact_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Connection
	for rows.Next() {
		var (
			c   model.Connection
			cid sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Backend, &c.Identity, &cid); err != nil {
			return nil, err
		}
		if cid.Valid {
			v := cid.Int64
			c.ContactID = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
