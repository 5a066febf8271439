package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
)

// StoreConfig selects and configures the user store backing auth.
type StoreConfig struct {
	Type string `toml:"type" yaml:"type" json:"type"` // "sqlite" or "postgres"
	Path string `toml:"path,omitempty" yaml:"path,omitempty" json:"path,omitempty"`
	DSN  string `toml:"dsn,omitempty" yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Store persists operator/viewer accounts.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context, offset, limit int) ([]*User, int, error)
	Close() error
}

// sqlStore implements Store against either SQLite or Postgres, differing
// only in placeholder syntax and driver name.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

// NewStore opens the configured user store and ensures its schema exists.
func NewStore(cfg StoreConfig) (Store, error) {
	var db *sql.DB
	var err error
	postgres := false

	switch strings.ToLower(cfg.Type) {
	case "postgres", "postgresql":
		postgres = true
		db, err = sql.Open("pgx", cfg.DSN)
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = ":memory:"
		}
		db, err = sql.Open("sqlite", path)
		if err == nil && path == ":memory:" {
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported auth store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}

	s := &sqlStore{db: db, postgres: postgres}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS auth_users(
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		roles TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *sqlStore) ph(n int) string {
	if s.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	rolesJSON, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(u.Metadata)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO auth_users(id, username, password_hash, email, roles, metadata, active, created_at, updated_at)
		VALUES(%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err = s.db.ExecContext(ctx, q, u.ID, u.Username, u.PasswordHash, u.Email, string(rolesJSON), string(metaJSON), u.Active, u.CreatedAt, u.UpdatedAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrUserAlreadyExists
	}
	return err
}

func (s *sqlStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var rolesJSON, metaJSON string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &rolesJSON, &metaJSON, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(rolesJSON), &u.Roles)
	_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
	return &u, nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	q := fmt.Sprintf(`SELECT id, username, password_hash, email, roles, metadata, active, created_at, updated_at FROM auth_users WHERE id=%s;`, s.ph(1))
	return s.scanUser(s.db.QueryRowContext(ctx, q, id))
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	q := fmt.Sprintf(`SELECT id, username, password_hash, email, roles, metadata, active, created_at, updated_at FROM auth_users WHERE username=%s;`, s.ph(1))
	return s.scanUser(s.db.QueryRowContext(ctx, q, username))
}

func (s *sqlStore) UpdateUser(ctx context.Context, u *User) error {
	rolesJSON, err := json.Marshal(u.Roles)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(u.Metadata)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE auth_users SET password_hash=%s, email=%s, roles=%s, metadata=%s, active=%s, updated_at=%s WHERE id=%s;`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7))
	res, err := s.db.ExecContext(ctx, q, u.PasswordHash, u.Email, string(rolesJSON), string(metaJSON), u.Active, u.UpdatedAt, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *sqlStore) DeleteUser(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM auth_users WHERE id=%s;`, s.ph(1))
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *sqlStore) ListUsers(ctx context.Context, offset, limit int) ([]*User, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_users;`).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT id, username, password_hash, email, roles, metadata, active, created_at, updated_at
		FROM auth_users ORDER BY created_at LIMIT %s OFFSET %s;`, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		var u User
		var rolesJSON, metaJSON string
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &rolesJSON, &metaJSON, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal([]byte(rolesJSON), &u.Roles)
		_ = json.Unmarshal([]byte(metaJSON), &u.Metadata)
		users = append(users, &u)
	}
	return users, total, rows.Err()
}
