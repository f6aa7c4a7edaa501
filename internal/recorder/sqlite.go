package recorder

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// replayPageSize is the number of frames a replay sequence loads per query.
const replayPageSize = 256

// SQLiteStore keeps sessions in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// it to the latest schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	// No connection cap: WAL lets the debug console and HTTP readers run
	// next to the recorder's writes.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// sqliteDSN carries the PRAGMAs in the DSN so every pooled connection gets
// them, not just the first.
func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		"foreign_keys(ON)",
	} {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// DB exposes the underlying handle for the debug console.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) CreateSession(id string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, started_at_ns) VALUES (?, ?)`,
		id, startedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) AppendFrame(id string, f frame.ReconstructedFrame) error {
	if f.Seq > frame.MaxSeq {
		return fmt.Errorf("%w: seq %d", frame.ErrSeqOutOfRange, f.Seq)
	}
	payload, err := frame.EncodeRecord(f)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(f.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE sessions SET frame_count = frame_count + 1 WHERE session_id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}

	_, err = tx.Exec(
		`INSERT INTO session_frames (session_id, seq, ts_ns, payload, tag_count, residual, tags_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, int64(f.Seq), f.TimestampNanos, payload, len(f.Tags), f.Residual, string(tags),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) FinishSession(id string, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET ended_at_ns = ? WHERE session_id = ?`, endedAt.UnixNano(), id)
	return err
}

func (s *SQLiteStore) SessionExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) ListSessions() ([]SessionInfo, error) {
	rows, err := s.db.Query(`
		SELECT session_id, started_at_ns, ended_at_ns, frame_count
		FROM sessions
		ORDER BY started_at_ns DESC, session_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &started, &ended, &info.Frames); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			info.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) OpenSession(id string) (Sequence, error) {
	exists, err := s.SessionExists(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionNotFound
	}
	return &sqliteSequence{db: s.db, id: id}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteSequence pages through a session ordered by (seq, frame_id). No
// rows handle is held between pages, so replay never blocks recording.
type sqliteSequence struct {
	db *sql.DB
	id string

	page    []frame.ReconstructedFrame
	pos     int
	lastSeq int64
	lastID  int64
	started bool
	done    bool
}

func (q *sqliteSequence) Next() (frame.ReconstructedFrame, error) {
	if q.pos >= len(q.page) {
		if q.done {
			return frame.ReconstructedFrame{}, io.EOF
		}
		if err := q.fetch(); err != nil {
			return frame.ReconstructedFrame{}, err
		}
		if len(q.page) == 0 {
			q.done = true
			return frame.ReconstructedFrame{}, io.EOF
		}
	}
	f := q.page[q.pos]
	q.pos++
	return f, nil
}

func (q *sqliteSequence) fetch() error {
	var (
		rows *sql.Rows
		err  error
	)
	if !q.started {
		rows, err = q.db.Query(`
			SELECT frame_id, seq, payload FROM session_frames
			WHERE session_id = ?
			ORDER BY seq, frame_id LIMIT ?`, q.id, replayPageSize)
	} else {
		rows, err = q.db.Query(`
			SELECT frame_id, seq, payload FROM session_frames
			WHERE session_id = ? AND (seq > ? OR (seq = ? AND frame_id > ?))
			ORDER BY seq, frame_id LIMIT ?`, q.id, q.lastSeq, q.lastSeq, q.lastID, replayPageSize)
	}
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", q.id, err)
	}
	defer rows.Close()

	q.page = q.page[:0]
	q.pos = 0
	for rows.Next() {
		var (
			frameID, seq int64
			payload      []byte
		)
		if err := rows.Scan(&frameID, &seq, &payload); err != nil {
			return fmt.Errorf("failed to scan frame: %w", err)
		}
		f, err := frame.DecodeRecord(payload)
		if err != nil {
			return err
		}
		q.page = append(q.page, f)
		q.lastSeq, q.lastID = seq, frameID
		q.started = true
	}
	return rows.Err()
}

func (q *sqliteSequence) Reset() error {
	q.page = q.page[:0]
	q.pos = 0
	q.lastSeq, q.lastID = 0, 0
	q.started = false
	q.done = false
	return nil
}

func (q *sqliteSequence) Close() error {
	q.page = nil
	q.done = true
	return nil
}
