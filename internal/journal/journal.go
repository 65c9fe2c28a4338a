// Package journal keeps an append-only log of channel status transitions in
// sqlite. It answers "what happened to this channel and when" long after the
// in-memory state has moved on.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id  TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL DEFAULT '',
	cause       TEXT NOT NULL DEFAULT '',
	at_ms       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_channel ON transitions(channel_id, at_ms DESC);
`

// Entry is one recorded transition.
type Entry struct {
	ChannelID string
	From      string
	To        string
	Cause     string
	At        time.Time
}

type row struct {
	ChannelID string `db:"channel_id"`
	From      string `db:"from_status"`
	To        string `db:"to_status"`
	Cause     string `db:"cause"`
	AtMS      int64  `db:"at_ms"`
}

// Journal is safe for concurrent use.
type Journal struct {
	db *sqlx.DB
}

// Open creates or opens the journal database at path. WAL mode keeps
// concurrent appends from blocking readers.
func Open(path string) (*Journal, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one transition stamped with the current time. It satisfies
// the lifecycle controller's Recorder.
func (j *Journal) Record(ctx context.Context, channelID, from, to, cause string) error {
	r := row{
		ChannelID: channelID,
		From:      from,
		To:        to,
		Cause:     cause,
		AtMS:      time.Now().UnixMilli(),
	}
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO transitions (channel_id, from_status, to_status, cause, at_ms)
		VALUES (:channel_id, :from_status, :to_status, :cause, :at_ms)`, r)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions, newest first. An empty channelID
// spans all channels.
func (j *Journal) Recent(ctx context.Context, channelID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []row
	var err error
	if channelID == "" {
		err = j.db.SelectContext(ctx, &rows, `
			SELECT channel_id, from_status, to_status, cause, at_ms
			FROM transitions ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	} else {
		err = j.db.SelectContext(ctx, &rows, `
			SELECT channel_id, from_status, to_status, cause, at_ms
			FROM transitions WHERE channel_id = ?
			ORDER BY at_ms DESC, id DESC LIMIT ?`, channelID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("read transitions: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			ChannelID: r.ChannelID,
			From:      r.From,
			To:        r.To,
			Cause:     r.Cause,
			At:        time.UnixMilli(r.AtMS),
		})
	}
	return out, nil
}

// PruneBefore deletes transitions older than cutoff and returns how many
// rows went away.
func (j *Journal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM transitions WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
