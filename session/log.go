package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/quillworks/quill/errors"
)

// Record kinds in the session log. Unknown kinds are ignored on read so old
// binaries can open files written by newer ones.
const (
	recordMeta = "meta"
	recordTurn = "turn"
	recordMode = "mode"
)

type record struct {
	Kind string `json:"kind"`
	Meta *Meta  `json:"meta,omitempty"`
	Turn *Turn  `json:"turn,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// Store manages session files under a directory, one JSON Lines file per
// session.
type Store struct {
	dir string
}

// DefaultDir is where sessions live relative to the working directory.
const DefaultDir = ".quill/sessions"

// NewStore creates the session directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create session directory %s", dir)
	}
	return &Store{dir: dir}, nil
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, fmt.Sprintf("%s.jsonl", id))
}

// Create writes the meta record for a new session. The file must not exist.
func (st *Store) Create(sess *Session, cwd string) error {
	f, err := os.OpenFile(st.path(sess.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "could not create session file for %s", sess.ID)
	}
	defer f.Close()
	meta := &Meta{
		ID:        sess.ID,
		Model:     sess.Model,
		Mode:      sess.Mode,
		CWD:       cwd,
		CreatedAt: time.Now(),
	}
	if err := writeRecord(f, record{Kind: recordMeta, Meta: meta}); err != nil {
		return err
	}
	return f.Sync()
}

// AppendTurn durably appends one turn. The append is synchronous: when it
// returns nil the record is on disk, so a crash loses at most the turn that
// was still in flight.
func (st *Store) AppendTurn(id string, turn Turn) error {
	return st.append(id, record{Kind: recordTurn, Turn: &turn})
}

// AppendMode records a mode transition so a resumed session starts in the
// mode the user last selected.
func (st *Store) AppendMode(id, mode string) error {
	return st.append(id, record{Kind: recordMode, Mode: mode})
}

func (st *Store) append(id string, rec record) error {
	f, err := os.OpenFile(st.path(id), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "could not open session file for %s", id)
	}
	defer f.Close()
	if err := writeRecord(f, rec); err != nil {
		return err
	}
	return f.Sync()
}

func writeRecord(f *os.File, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session record")
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrapf(err, "failed to write session record")
	}
	return nil
}

// LoadSession eagerly parses a whole session file. Corrupt records are
// skipped and reported as SessionLogCorruption warnings rather than failing
// the load.
func (st *Store) LoadSession(id string) (*Session, []error, error) {
	loader, err := st.LoadSessionIncremental(id)
	if err != nil {
		return nil, nil, err
	}
	sess := loader.Session()
	for i := 0; i < loader.NumBatches(); i++ {
		turns, err := loader.Batch(i)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range turns {
			sess.AddTurn(t)
		}
	}
	return sess, loader.Warnings(), nil
}

// LoadSessionIncremental opens a session for batched loading. Only raw
// lines are read up front; parsing and validation happen per batch so the
// caller can interleave loading with other work. Tail gives fast access to
// the most recent turns for the initial view.
func (st *Store) LoadSessionIncremental(id string) (*IncrementalLoader, error) {
	f, err := os.Open(st.path(id))
	if err != nil {
		return nil, errors.Wrapf(err, "could not open session %s", id)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read session %s", id)
	}

	loader := &IncrementalLoader{
		sessionID: id,
		batchSize: DefaultBatchSize,
		meta:      Meta{ID: id},
	}
	if len(lines) > 0 {
		var rec record
		if err := json.Unmarshal(lines[0], &rec); err == nil && rec.Kind == recordMeta && rec.Meta != nil {
			loader.meta = *rec.Meta
			lines = lines[1:]
		} else {
			loader.warn(1, fmt.Errorf("missing or corrupt meta record"))
		}
	}
	loader.lines = lines
	return loader, nil
}

// List returns metadata for all stored sessions, newest first.
func (st *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list session directory")
	}
	var metas []Meta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".jsonl")]
		meta, err := st.readMeta(id)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// readMeta parses only the first record, so listing stays fast for large
// session files.
func (st *Store) readMeta(id string) (Meta, error) {
	f, err := os.Open(st.path(id))
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return Meta{}, fmt.Errorf("empty session file")
	}
	var rec record
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Kind != recordMeta || rec.Meta == nil {
		return Meta{}, fmt.Errorf("missing meta record")
	}
	return *rec.Meta, nil
}

// DefaultBatchSize bounds how many records one Batch call parses. Keeps any
// single blocking validation stretch small on resume.
const DefaultBatchSize = 50

// DefaultTailSize bounds how many turns are materialized into the active
// view when a session is resumed. Older turns load on demand via Batch.
const DefaultTailSize = 100

// IncrementalLoader yields a session's turns in bounded batches. Line
// splitting happens once at open; JSON parsing is deferred to Batch and
// Tail calls so resuming a large session never blocks on a full parse.
type IncrementalLoader struct {
	sessionID string
	meta      Meta
	lines     [][]byte
	batchSize int
	warnings  []error
}

// Session returns an empty session carrying the persisted metadata. The
// latest persisted mode wins over the meta record's creation-time mode,
// which requires a scan of mode records; that scan parses only the tiny
// mode lines it finds.
func (l *IncrementalLoader) Session() *Session {
	sess := &Session{ID: l.meta.ID, Model: l.meta.Model, Mode: l.meta.Mode}
	for i := len(l.lines) - 1; i >= 0; i-- {
		var rec record
		if err := json.Unmarshal(l.lines[i], &rec); err != nil {
			continue
		}
		if rec.Kind == recordMode && rec.Mode != "" {
			sess.Mode = rec.Mode
			break
		}
		if rec.Kind == recordTurn {
			// Mode records after the last turn would have matched already.
			break
		}
	}
	return sess
}

// NumBatches returns how many Batch indexes are available.
func (l *IncrementalLoader) NumBatches() int {
	if len(l.lines) == 0 {
		return 0
	}
	return (len(l.lines) + l.batchSize - 1) / l.batchSize
}

// Batch parses batch i (0-based, oldest first). Calling it twice with the
// same index returns identical content. Corrupt records are skipped and
// recorded as warnings.
func (l *IncrementalLoader) Batch(i int) ([]Turn, error) {
	if i < 0 || i >= l.NumBatches() {
		return nil, errors.New("batch index %d out of range", i)
	}
	start := i * l.batchSize
	end := start + l.batchSize
	if end > len(l.lines) {
		end = len(l.lines)
	}
	var turns []Turn
	for j := start; j < end; j++ {
		turn, ok := l.parseTurn(j)
		if ok {
			turns = append(turns, turn)
		}
	}
	return turns, nil
}

// Tail parses at most n of the most recent turns, in chronological order.
func (l *IncrementalLoader) Tail(n int) []Turn {
	if n <= 0 {
		n = DefaultTailSize
	}
	var reversed []Turn
	for j := len(l.lines) - 1; j >= 0 && len(reversed) < n; j-- {
		turn, ok := l.parseTurn(j)
		if ok {
			reversed = append(reversed, turn)
		}
	}
	turns := make([]Turn, len(reversed))
	for i, t := range reversed {
		turns[len(reversed)-1-i] = t
	}
	return turns
}

// TurnCount returns the number of raw records pending (an upper bound on
// turns; mode records are rare).
func (l *IncrementalLoader) TurnCount() int { return len(l.lines) }

// Warnings returns corruption warnings accumulated so far.
func (l *IncrementalLoader) Warnings() []error { return l.warnings }

func (l *IncrementalLoader) parseTurn(j int) (Turn, bool) {
	var rec record
	if err := json.Unmarshal(l.lines[j], &rec); err != nil {
		l.warn(j+2, err) // +2: 1-based lines after the meta record
		return Turn{}, false
	}
	if rec.Kind != recordTurn || rec.Turn == nil {
		return Turn{}, false
	}
	return *rec.Turn, true
}

func (l *IncrementalLoader) warn(line int, cause error) {
	l.warnings = append(l.warnings, &errors.SessionLogCorruption{
		SessionID: l.sessionID,
		Line:      line,
		Cause:     cause,
	})
}
