package directory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLResolver resolves identities from a users/user_emails schema in a
// relational database.
type SQLResolver struct {
	db     *sql.DB
	driver string
	domain string
	logger *slog.Logger
}

var _ Resolver = (*SQLResolver)(nil)

// OpenSQL opens a SQL-backed resolver and ensures its schema.
func OpenSQL(cfg Config) (*SQLResolver, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to directory database: %w", err)
	}

	r := &SQLResolver{
		db:     db,
		driver: driver,
		domain: cfg.Domain,
		logger: slog.Default().With("component", "sql-directory", "driver", driver),
	}
	if err := r.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLResolver) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS user_emails (
			user_id VARCHAR(36) NOT NULL,
			address VARCHAR(255) NOT NULL,
			position INT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, address)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create directory schema: %w", err)
		}
	}
	return nil
}

func (r *SQLResolver) rebind(q string) string {
	if r.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Lookup resolves an address via exact registered-address match, or, for
// local-domain addresses, via the embedded identity id. Either condition
// suffices.
func (r *SQLResolver) Lookup(ctx context.Context, address string) (*Identity, error) {
	normalized := NormalizeAddress(address)

	q := `SELECT user_id FROM user_emails WHERE address = ?`
	args := []any{normalized}
	if embedded, ok := EmbeddedID(address, r.domain); ok {
		q = `SELECT user_id FROM user_emails WHERE address = ?
			UNION SELECT id FROM users WHERE id = ?`
		args = append(args, embedded)
	}

	var id string
	err := r.db.QueryRowContext(ctx, r.rebind(q), args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up address: %w", err)
	}
	return r.LookupID(ctx, id)
}

// LookupID resolves an identity by its id, including registered addresses
// in registration order.
func (r *SQLResolver) LookupID(ctx context.Context, id string) (*Identity, error) {
	ident := &Identity{ID: id}

	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT name FROM users WHERE id = ?`), id).Scan(&ident.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity %s: %w", id, err)
	}

	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT address FROM user_emails WHERE user_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan address row: %w", err)
		}
		ident.Addresses = append(ident.Addresses, addr)
	}
	return ident, rows.Err()
}

// Close releases the resolver's database handle.
func (r *SQLResolver) Close() error {
	return r.db.Close()
}
