package store

import (
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/cwohlman/mailpipe/internal/message"
)

func TestRebindFor(t *testing.T) {
	rebind := rebindFor("postgres")
	assert.Equal(t, "SELECT * FROM emails WHERE id = $1 AND sent_state = $2",
		rebind("SELECT * FROM emails WHERE id = ? AND sent_state = ?"))

	for _, driver := range []string{"sqlite3", "mysql"} {
		rebind := rebindFor(driver)
		q := "UPDATE emails SET draft = ? WHERE id = ?"
		assert.Equal(t, q, rebind(q), "driver %s keeps ? placeholders", driver)
	}
}

func TestMysqlDSNEnablesFoundRows(t *testing.T) {
	out, err := mysqlDSN("mail:secret@tcp(db.local:3306)/mailpipe")
	assert.NoError(t, err)

	mc, err := mysql.ParseDSN(out)
	assert.NoError(t, err)
	assert.True(t, mc.ClientFoundRows, "updates must count matched rows, not changed rows")
	assert.Equal(t, "mailpipe", mc.DBName)

	_, err = mysqlDSN("not a dsn")
	assert.Error(t, err)
}

func TestWhereClauseClaim(t *testing.T) {
	s := &SQL{}

	where, args := s.whereClause(Filter{ID: "m1", SentAbsent: true})
	assert.Equal(t, "WHERE id = ? AND sent_state IS NULL", where)
	assert.Equal(t, []any{"m1"}, args)

	where, args = s.whereClause(Filter{Marker: "tok"})
	assert.Equal(t, "WHERE sent_state = ? AND sent_marker = ?", where)
	assert.Equal(t, []any{int(message.StateClaimed), "tok"}, args)
}

func TestWhereClausePending(t *testing.T) {
	s := &SQL{}
	where, args := s.whereClause(Pending())
	assert.Equal(t, "WHERE sent_state IS NULL AND draft IS NULL", where)
	assert.Empty(t, args)
}

func TestWhereClauseStateNone(t *testing.T) {
	s := &SQL{}
	where, args := s.whereClause(Filter{StateSet: true, State: message.StateNone})
	assert.Equal(t, "WHERE sent_state IS NULL", where)
	assert.Empty(t, args)
}

func TestSetClauseDelivery(t *testing.T) {
	now := time.Now()
	status := message.Delivered()
	set, args := setClause(Update{Sent: &status, SentAt: &now})

	assert.Equal(t, "sent_state = ?, sent_marker = ?, sent_at = ?", set)
	assert.Len(t, args, 3)
	assert.Equal(t, int(message.StateDelivered), args[0])
	assert.Nil(t, args[1], "delivered status carries no marker")
	assert.Equal(t, now.UnixNano(), args[2])
}

func TestSetClauseRejection(t *testing.T) {
	status := message.Failed()
	reason := "missing sender"
	snapshot := &message.Message{From: "a@example.com"}
	set, args := setClause(Update{
		Sent:             &status,
		RejectionMessage: &reason,
		RejectedEmail:    snapshot,
		ClearDraft:       true,
	})

	assert.Contains(t, set, "rejection_message = ?")
	assert.Contains(t, set, "rejected_doc = ?")
	assert.Contains(t, set, "draft = NULL")
	assert.Len(t, args, 4)
}

func TestDocFieldsStripsLiftedColumns(t *testing.T) {
	m := &message.Message{
		ID:               "m1",
		Subject:          "keep",
		Draft:            message.Bool(true),
		Sent:             message.Claimed("tok"),
		IncomingID:       "in-1",
		OutgoingID:       "out-1",
		RejectionMessage: "nope",
		RejectedEmail:    &message.Message{},
		Error:            "boom",
	}
	doc := docFields(m)

	assert.Equal(t, "keep", doc.Subject)
	assert.Nil(t, doc.Draft)
	assert.True(t, doc.Sent.Unsent())
	assert.Empty(t, doc.IncomingID)
	assert.Empty(t, doc.OutgoingID)
	assert.Empty(t, doc.RejectionMessage)
	assert.Nil(t, doc.RejectedEmail)
	assert.Empty(t, doc.Error)

	// The source message is untouched.
	assert.Equal(t, "in-1", m.IncomingID)
	assert.NotNil(t, m.Draft)
}

func TestUniqueViolationDetection(t *testing.T) {
	assert.True(t, uniqueViolation(errors.New("UNIQUE constraint failed: emails.incoming_id")))
	assert.True(t, uniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "emails_incoming_id_key"`)))
	assert.True(t, uniqueViolation(errors.New("Error 1062: Duplicate entry 'x' for key 'incoming_id'")))
	assert.False(t, uniqueViolation(errors.New("connection refused")))
	assert.False(t, uniqueViolation(nil))
}
