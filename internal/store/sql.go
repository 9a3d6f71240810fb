package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cwohlman/mailpipe/internal/message"
)

// SQL implements the Store interface on top of database/sql, supporting
// sqlite, postgres and mysql. The record body is stored as a JSON document
// with the volatile lifecycle fields lifted into columns so the claim can
// be a single conditional UPDATE. NULLable unique columns give the sparse
// uniqueness of incoming_id/outgoing_id in all three engines.
type SQL struct {
	db     *sql.DB
	driver string
	table  string
	rebind func(string) string
	logger *slog.Logger
}

var _ Store = (*SQL)(nil)

// OpenSQL opens a SQL-backed store and ensures its schema.
func OpenSQL(cfg Config) (*SQL, error) {
	var driver string
	switch cfg.Type {
	case "sqlite":
		driver = "sqlite3"
	case "postgres":
		driver = "postgres"
	case "mysql":
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported sql store type: %s", cfg.Type)
	}

	table := cfg.Collection
	if table == "" {
		table = "emails"
	}

	dsn := cfg.DSN
	if driver == "mysql" {
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Type, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s store: %w", cfg.Type, err)
	}

	s := &SQL{
		db:     db,
		driver: driver,
		table:  table,
		rebind: rebindFor(driver),
		logger: slog.Default().With("component", "sql-store", "driver", driver),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// mysqlDSN enables CLIENT_FOUND_ROWS on a mysql connection string.
// Without it RowsAffected counts changed rows, so an update that leaves
// every column as-is reports 0 and looks like a missing record.
func mysqlDSN(dsn string) (string, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	mc.ClientFoundRows = true
	return mc.FormatDSN(), nil
}

// rebindFor converts ? placeholders to the driver's syntax.
func rebindFor(driver string) func(string) string {
	if driver != "postgres" {
		return func(q string) string { return q }
	}
	return func(q string) string {
		var b strings.Builder
		n := 0
		for _, r := range q {
			if r == '?' {
				n++
				fmt.Fprintf(&b, "$%d", n)
			} else {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
}

func (s *SQL) ensureSchema() error {
	text := "TEXT"
	if s.driver == "mysql" {
		// mysql cannot index unbounded TEXT columns
		text = "VARCHAR(255)"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(36) PRIMARY KEY,
			doc TEXT NOT NULL,
			sent_state SMALLINT NULL,
			sent_marker VARCHAR(36) NULL,
			sent_at BIGINT NULL,
			draft SMALLINT NULL,
			incoming_id %s NULL UNIQUE,
			outgoing_id %s NULL UNIQUE,
			rejection_message TEXT NULL,
			rejected_doc TEXT NULL,
			error TEXT NULL,
			inserted_seq BIGINT NOT NULL
		)`, s.table, text, text)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.table, err)
	}
	return nil
}

// docFields strips the column-backed fields from a message before
// serializing the remainder as the document body.
func docFields(m *message.Message) *message.Message {
	doc := m.Clone()
	doc.ID = ""
	doc.Sent = message.SendStatus{}
	doc.SentAt = time.Time{}
	doc.Draft = nil
	doc.IncomingID = ""
	doc.OutgoingID = ""
	doc.RejectionMessage = ""
	doc.RejectedEmail = nil
	doc.Error = ""
	return doc
}

func (s *SQL) encodeRow(m *message.Message) (doc string, sentState, draft any, sentAt any, incomingID, outgoingID, rejection, rejectedDoc, errField any, err error) {
	body, err := json.Marshal(docFields(m))
	if err != nil {
		return "", nil, nil, nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to encode message: %w", err)
	}
	doc = string(body)

	sentState = nullState(m.Sent)
	if !m.SentAt.IsZero() {
		sentAt = m.SentAt.UnixNano()
	}
	if m.Draft != nil {
		if *m.Draft {
			draft = 1
		} else {
			draft = 0
		}
	}
	incomingID = nullString(m.IncomingID)
	outgoingID = nullString(m.OutgoingID)
	rejection = nullString(m.RejectionMessage)
	errField = nullString(m.Error)
	if m.RejectedEmail != nil {
		rj, jerr := json.Marshal(m.RejectedEmail)
		if jerr != nil {
			return "", nil, nil, nil, nil, nil, nil, nil, nil, fmt.Errorf("failed to encode rejected snapshot: %w", jerr)
		}
		rejectedDoc = string(rj)
	}
	return doc, sentState, draft, sentAt, incomingID, outgoingID, rejection, rejectedDoc, errField, nil
}

func nullState(st message.SendStatus) any {
	if st.Unsent() {
		return nil
	}
	return int(st.State)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const rowColumns = "id, doc, sent_state, sent_marker, sent_at, draft, incoming_id, outgoing_id, rejection_message, rejected_doc, error"

func (s *SQL) scanRow(scan func(dest ...any) error) (*message.Message, error) {
	var (
		id, doc    string
		sentState  sql.NullInt64
		sentMarker sql.NullString
		sentAt     sql.NullInt64
		draft      sql.NullInt64
		incomingID sql.NullString
		outgoingID sql.NullString
		rejection  sql.NullString
		rejected   sql.NullString
		errField   sql.NullString
	)
	if err := scan(&id, &doc, &sentState, &sentMarker, &sentAt, &draft, &incomingID, &outgoingID, &rejection, &rejected, &errField); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}

	var m message.Message
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	m.ID = id
	if sentState.Valid {
		m.Sent = message.SendStatus{State: message.SendState(sentState.Int64)}
		if m.Sent.State == message.StateClaimed && sentMarker.Valid {
			m.Sent.Marker = sentMarker.String
		}
	} else {
		m.Sent = message.SendStatus{}
	}
	if sentAt.Valid {
		m.SentAt = time.Unix(0, sentAt.Int64)
	}
	if draft.Valid {
		m.Draft = message.Bool(draft.Int64 != 0)
	}
	if incomingID.Valid {
		m.IncomingID = incomingID.String
	}
	if outgoingID.Valid {
		m.OutgoingID = outgoingID.String
	}
	if rejection.Valid {
		m.RejectionMessage = rejection.String
	}
	if rejected.Valid {
		var rj message.Message
		if err := json.Unmarshal([]byte(rejected.String), &rj); err == nil {
			m.RejectedEmail = &rj
		}
	}
	if errField.Valid {
		m.Error = errField.String
	}
	return &m, nil
}

// Insert stores a new record and returns its assigned id.
func (s *SQL) Insert(ctx context.Context, m *message.Message) (string, error) {
	id := uuid.NewString()
	doc, sentState, draft, sentAt, incomingID, outgoingID, rejection, rejectedDoc, errField, err := s.encodeRow(m)
	if err != nil {
		return "", err
	}

	marker := nullString(m.Sent.Marker)
	q := s.rebind(fmt.Sprintf(
		`INSERT INTO %s (%s, inserted_seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.table, rowColumns))
	_, err = s.db.ExecContext(ctx, q,
		id, doc, sentState, marker, sentAt, draft, incomingID, outgoingID, rejection, rejectedDoc, errField,
		time.Now().UnixNano())
	if err != nil {
		if uniqueViolation(err) {
			if m.IncomingID != "" {
				return "", ErrDuplicateIncomingID
			}
			return "", ErrDuplicateOutgoingID
		}
		return "", fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

// uniqueViolation reports whether err looks like a unique-constraint
// failure in any of the supported engines.
func uniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// FindByID retrieves a record by id.
func (s *SQL) FindByID(ctx context.Context, id string) (*message.Message, error) {
	q := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, rowColumns, s.table))
	row := s.db.QueryRowContext(ctx, q, id)
	return s.scanRow(row.Scan)
}

// FindOne retrieves the first record matching the filter.
func (s *SQL) FindOne(ctx context.Context, f Filter) (*message.Message, error) {
	where, args := s.whereClause(f)
	q := s.rebind(fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY inserted_seq LIMIT 1`, rowColumns, s.table, where))
	row := s.db.QueryRowContext(ctx, q, args...)
	return s.scanRow(row.Scan)
}

// List retrieves all records matching the filter in insertion order.
func (s *SQL) List(ctx context.Context, f Filter) ([]*message.Message, error) {
	where, args := s.whereClause(f)
	q := s.rebind(fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY inserted_seq`, rowColumns, s.table, where))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		m, err := s.scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// whereClause translates a Filter into SQL. Absence assertions become
// IS NULL checks on the lifted columns.
func (s *SQL) whereClause(f Filter) (string, []any) {
	var conds []string
	var args []any

	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	if f.Marker != "" {
		conds = append(conds, "sent_state = ?", "sent_marker = ?")
		args = append(args, int(message.StateClaimed), f.Marker)
	}
	if f.SentAbsent {
		conds = append(conds, "sent_state IS NULL")
	}
	if f.DraftAbsent {
		conds = append(conds, "draft IS NULL")
	}
	if f.StateSet {
		if f.State == message.StateNone {
			conds = append(conds, "sent_state IS NULL")
		} else {
			conds = append(conds, "sent_state = ?")
			args = append(args, int(f.State))
		}
	}
	if f.HasIncoming {
		conds = append(conds, "incoming_id IS NOT NULL")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// setClause translates an Update into SQL SET terms.
func setClause(u Update) (string, []any) {
	var sets []string
	var args []any

	if u.Sent != nil {
		sets = append(sets, "sent_state = ?", "sent_marker = ?")
		args = append(args, nullState(*u.Sent), nullString(u.Sent.Marker))
	}
	if u.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, u.SentAt.UnixNano())
	}
	if u.OutgoingID != nil {
		sets = append(sets, "outgoing_id = ?")
		args = append(args, nullString(*u.OutgoingID))
	}
	if u.RejectionMessage != nil {
		sets = append(sets, "rejection_message = ?")
		args = append(args, *u.RejectionMessage)
	}
	if u.RejectedEmail != nil {
		rj, err := json.Marshal(u.RejectedEmail)
		if err == nil {
			sets = append(sets, "rejected_doc = ?")
			args = append(args, string(rj))
		}
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}
	if u.ClearDraft {
		sets = append(sets, "draft = NULL")
	}
	return strings.Join(sets, ", "), args
}

// Update applies a partial update to the record with the given id.
func (s *SQL) Update(ctx context.Context, id string, u Update) error {
	set, args := setClause(u)
	if set == "" {
		return nil
	}
	q := s.rebind(fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, s.table, set))
	res, err := s.db.ExecContext(ctx, q, append(args, id)...)
	if err != nil {
		if uniqueViolation(err) {
			return ErrDuplicateOutgoingID
		}
		return fmt.Errorf("failed to update message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWhere atomically applies the update to every record matching the
// filter and returns the match count. A single UPDATE statement is atomic
// in all supported engines, which totally orders concurrent claims.
func (s *SQL) UpdateWhere(ctx context.Context, f Filter, u Update) (int, error) {
	set, setArgs := setClause(u)
	if set == "" {
		return 0, nil
	}
	where, whereArgs := s.whereClause(f)
	q := s.rebind(fmt.Sprintf(`UPDATE %s SET %s %s`, s.table, set, where))
	res, err := s.db.ExecContext(ctx, q, append(setArgs, whereArgs...)...)
	if err != nil {
		return 0, fmt.Errorf("failed conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read match count: %w", err)
	}
	return int(n), nil
}

// Replace overwrites all fields of the record, keeping the id.
func (s *SQL) Replace(ctx context.Context, id string, m *message.Message) error {
	doc, sentState, draft, sentAt, incomingID, outgoingID, rejection, rejectedDoc, errField, err := s.encodeRow(m)
	if err != nil {
		return err
	}
	marker := nullString(m.Sent.Marker)
	q := s.rebind(fmt.Sprintf(
		`UPDATE %s SET doc = ?, sent_state = ?, sent_marker = ?, sent_at = ?, draft = ?, incoming_id = ?, outgoing_id = ?, rejection_message = ?, rejected_doc = ?, error = ? WHERE id = ?`,
		s.table))
	res, err := s.db.ExecContext(ctx, q,
		doc, sentState, marker, sentAt, draft, incomingID, outgoingID, rejection, rejectedDoc, errField, id)
	if err != nil {
		if uniqueViolation(err) {
			if m.IncomingID != "" {
				return ErrDuplicateIncomingID
			}
			return ErrDuplicateOutgoingID
		}
		return fmt.Errorf("failed to replace message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes the record with the given id.
func (s *SQL) Remove(ctx context.Context, id string) error {
	q := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table))
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("failed to remove message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the store's resources.
func (s *SQL) Close() error {
	return s.db.Close()
}
