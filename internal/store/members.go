package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrMemberNotFound is returned when a username does not exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrSocietyNotFound is returned when a society name does not exist.
	ErrSocietyNotFound = errors.New("society not found")
)

// Member is a row of the members table. Joined and Modified are stamped
// by the audit triggers, never by this code.
type Member struct {
	Username      string         `db:"username"`
	Surname       sql.NullString `db:"surname"`
	PreferredName sql.NullString `db:"preferred_name"`
	Member        bool           `db:"member"`
	User          bool           `db:"user"`
	Email         sql.NullString `db:"email"`
	Joined        sql.NullTime   `db:"joined"`
	Modified      sql.NullTime   `db:"modified"`
	Danger        bool           `db:"danger"`
	Notes         string         `db:"notes"`
}

// Name joins the preferred name and surname.
func (m *Member) Name() string {
	switch {
	case m.PreferredName.Valid && m.Surname.Valid:
		return m.PreferredName.String + " " + m.Surname.String
	case m.PreferredName.Valid:
		return m.PreferredName.String
	case m.Surname.Valid:
		return m.Surname.String
	}
	return ""
}

// Society is a row of the societies table plus its admin usernames.
type Society struct {
	Society     string         `db:"society"`
	Description string         `db:"description"`
	RoleEmail   sql.NullString `db:"role_email"`
	Joined      sql.NullTime   `db:"joined"`
	Modified    sql.NullTime   `db:"modified"`
	Danger      bool           `db:"danger"`
	Notes       string         `db:"notes"`

	Admins []string `db:"-"`
}

// GetMember retrieves a member by username.
func (s *Store) GetMember(ctx context.Context, username string) (*Member, error) {
	query := `
		SELECT username, surname, preferred_name, member, "user",
		       email, joined, modified, danger, notes
		FROM members
		WHERE username = $1
	`

	var m Member
	if err := s.db.GetContext(ctx, &m, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	return &m, nil
}

// GetUser retrieves a member that still holds a user account.
func (s *Store) GetUser(ctx context.Context, username string) (*Member, error) {
	m, err := s.GetMember(ctx, username)
	if err != nil {
		return nil, err
	}
	if !m.User {
		return nil, ErrMemberNotFound
	}
	return m, nil
}

// GetSociety retrieves a society with its admins.
func (s *Store) GetSociety(ctx context.Context, name string) (*Society, error) {
	query := `
		SELECT society, description, role_email, joined, modified, danger, notes
		FROM societies
		WHERE society = $1
	`

	var soc Society
	if err := s.db.GetContext(ctx, &soc, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSocietyNotFound
		}
		return nil, fmt.Errorf("failed to get society: %w", err)
	}

	adminsQuery := `SELECT username FROM society_admins WHERE society = $1 ORDER BY username`
	if err := s.db.SelectContext(ctx, &soc.Admins, adminsQuery, name); err != nil {
		return nil, fmt.Errorf("failed to get society admins: %w", err)
	}

	return &soc, nil
}

// ListMembers returns members ordered by username. With onlyUsers set,
// members without a live user account are skipped.
func (s *Store) ListMembers(ctx context.Context, onlyUsers bool) ([]Member, error) {
	query := `
		SELECT username, surname, preferred_name, member, "user",
		       email, joined, modified, danger, notes
		FROM members
	`
	if onlyUsers {
		query += ` WHERE "user"`
	}
	query += ` ORDER BY username`

	var members []Member
	if err := s.db.SelectContext(ctx, &members, query); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	return members, nil
}

// ListSocieties returns all societies ordered by name, without admins.
func (s *Store) ListSocieties(ctx context.Context) ([]Society, error) {
	query := `
		SELECT society, description, role_email, joined, modified, danger, notes
		FROM societies
		ORDER BY society
	`

	var societies []Society
	if err := s.db.SelectContext(ctx, &societies, query); err != nil {
		return nil, fmt.Errorf("failed to list societies: %w", err)
	}

	return societies, nil
}

// IsSocietyAdmin reports whether username administers the society.
func (s *Store) IsSocietyAdmin(ctx context.Context, society, username string) (bool, error) {
	var count int
	query := `SELECT count(*) FROM society_admins WHERE society = $1 AND username = $2`
	if err := s.db.GetContext(ctx, &count, query, society, username); err != nil {
		return false, fmt.Errorf("failed to check society admin: %w", err)
	}
	return count > 0, nil
}

// CreateMember inserts a new member with a live user account. The
// members_joined and members_modified triggers stamp the timestamps.
// Implements jobs.Directory.
func (s *Store) CreateMember(ctx context.Context, username, preferredName, surname, email string) error {
	query := `
		INSERT INTO members (username, preferred_name, surname, email, member, "user")
		VALUES ($1, $2, $3, $4, true, true)
	`

	_, err := s.db.ExecContext(ctx, query, username, preferredName, surname, email)
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}

	s.logger.Info("Member created", slog.String("username", username))
	return nil
}

// UpdateMemberEmail changes a member's contact address. Implements
// jobs.Directory.
func (s *Store) UpdateMemberEmail(ctx context.Context, username, email string) error {
	query := `UPDATE members SET email = $1 WHERE username = $2`

	result, err := s.db.ExecContext(ctx, query, email, username)
	if err != nil {
		return fmt.Errorf("failed to update member email: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrMemberNotFound
	}

	return nil
}

// CreateSociety inserts a society and its initial admins in one
// transaction. Admins without a members row yet go to
// pending_society_admins instead. Implements jobs.Directory.
func (s *Store) CreateSociety(ctx context.Context, name, description string, admins []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO societies (society, description) VALUES ($1, $2)`,
		name, description)
	if err != nil {
		return fmt.Errorf("failed to create society: %w", err)
	}

	for _, admin := range admins {
		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM members WHERE username = $1)`, admin).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to look up admin %s: %w", admin, err)
		}

		table := "pending_society_admins"
		if exists {
			table = "society_admins"
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (username, society) VALUES ($1, $2)`, table),
			admin, name)
		if err != nil {
			return fmt.Errorf("failed to add admin %s: %w", admin, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit society: %w", err)
	}

	s.logger.Info("Society created",
		slog.String("society", name),
		slog.Int("admins", len(admins)),
	)
	return nil
}

// AddSocietyAdmin grants a member admin of a society. Implements
// jobs.Directory.
func (s *Store) AddSocietyAdmin(ctx context.Context, society, username string) error {
	query := `
		INSERT INTO society_admins (username, society)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, username, society); err != nil {
		return fmt.Errorf("failed to add society admin: %w", err)
	}
	return nil
}

// RemoveSocietyAdmin revokes a member's admin of a society. Implements
// jobs.Directory.
func (s *Store) RemoveSocietyAdmin(ctx context.Context, society, username string) error {
	query := `DELETE FROM society_admins WHERE username = $1 AND society = $2`
	if _, err := s.db.ExecContext(ctx, query, username, society); err != nil {
		return fmt.Errorf("failed to remove society admin: %w", err)
	}
	return nil
}

// PromotePendingAdmins converts a member's pending society adminships
// into real ones. Called after signup creates the members row.
func (s *Store) PromotePendingAdmins(ctx context.Context, username string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var societies []string
	err = tx.SelectContext(ctx, &societies,
		`DELETE FROM pending_society_admins WHERE username = $1 RETURNING society`, username)
	if err != nil {
		return 0, fmt.Errorf("failed to collect pending adminships: %w", err)
	}

	for _, society := range societies {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO society_admins (username, society) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			username, society)
		if err != nil {
			return 0, fmt.Errorf("failed to promote adminship of %s: %w", society, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit promotions: %w", err)
	}

	return len(societies), nil
}
