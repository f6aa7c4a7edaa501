package recorder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/tagbeat/internal/frame"
)

// FileExtension is the extension of a session's frame log.
const FileExtension = ".tbrec"

const (
	headerFile = "header.json"
	framesFile = "frames" + FileExtension

	// Each record is [u32 payload length][u64 seq][msgpack payload].
	recordPrefixLen = 12
	maxRecordLen    = 16 * 1024 * 1024
)

// sessionHeader is the header.json of a session directory.
type sessionHeader struct {
	Version     string `json:"version"`
	SessionID   string `json:"session_id"`
	StartedNs   int64  `json:"started_ns"`
	EndedNs     int64  `json:"ended_ns,omitempty"`
	TotalFrames int    `json:"total_frames"`
}

// FileStore keeps one directory per session under a root directory.
type FileStore struct {
	root string

	mu      sync.Mutex
	writers map[string]*sessionWriter
}

type sessionWriter struct {
	header sessionHeader
	file   *os.File
}

// OpenFileStore uses root, creating it if needed.
func OpenFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &FileStore{root: root, writers: make(map[string]*sessionWriter)}, nil
}

func (s *FileStore) sessionDir(id string) (string, error) {
	if !ValidSessionID(id) {
		return "", fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return filepath.Join(s.root, id), nil
}

func (s *FileStore) CreateSession(id string, startedAt time.Time) error {
	dir, err := s.sessionDir(id)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session %s: %w", id, err)
	}

	w := &sessionWriter{header: sessionHeader{
		Version:   "1.0",
		SessionID: id,
		StartedNs: startedAt.UnixNano(),
	}}
	if err := writeHeader(dir, w.header); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, framesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create frame log: %w", err)
	}
	w.file = f

	s.mu.Lock()
	s.writers[id] = w
	s.mu.Unlock()
	return nil
}

func (s *FileStore) AppendFrame(id string, f frame.ReconstructedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writers[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionClosed, id)
	}

	payload, err := frame.EncodeRecord(f)
	if err != nil {
		return err
	}
	buf := make([]byte, recordPrefixLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[4:12], f.Seq)
	copy(buf[recordPrefixLen:], payload)

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	w.header.TotalFrames++
	return nil
}

func (s *FileStore) FinishSession(id string, endedAt time.Time) error {
	s.mu.Lock()
	w, ok := s.writers[id]
	delete(s.writers, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	closeErr := w.file.Close()
	w.header.EndedNs = endedAt.UnixNano()
	dir, err := s.sessionDir(id)
	if err != nil {
		return err
	}
	if err := writeHeader(dir, w.header); err != nil {
		return err
	}
	return closeErr
}

func (s *FileStore) SessionExists(id string) (bool, error) {
	dir, err := s.sessionDir(id)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(filepath.Join(dir, headerFile))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileStore) ListSessions() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var headers []sessionHeader
	for _, e := range entries {
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		h, err := readHeader(filepath.Join(s.root, e.Name()))
		if err != nil {
			// Not a session directory.
			continue
		}
		headers = append(headers, h)
	}

	s.mu.Lock()
	for i := range headers {
		if w, ok := s.writers[headers[i].SessionID]; ok {
			headers[i].TotalFrames = w.header.TotalFrames
		}
	}
	s.mu.Unlock()

	sort.Slice(headers, func(i, j int) bool {
		if headers[i].StartedNs != headers[j].StartedNs {
			return headers[i].StartedNs > headers[j].StartedNs
		}
		return headers[i].SessionID > headers[j].SessionID
	})

	out := make([]SessionInfo, len(headers))
	for i, h := range headers {
		out[i] = SessionInfo{
			ID:        h.SessionID,
			StartedAt: time.Unix(0, h.StartedNs).UTC(),
			Frames:    h.TotalFrames,
		}
		if h.EndedNs != 0 {
			out[i].EndedAt = time.Unix(0, h.EndedNs).UTC()
		}
	}
	return out, nil
}

func (s *FileStore) OpenSession(id string) (Sequence, error) {
	exists, err := s.SessionExists(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrSessionNotFound
	}
	dir, _ := s.sessionDir(id)

	f, err := os.Open(filepath.Join(dir, framesFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open frame log: %w", err)
	}
	index, err := buildIndex(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSequence{file: f, index: index}, nil
}

// Close finishes any session still open for writing.
func (s *FileStore) Close() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.writers))
	for id := range s.writers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.FinishSession(id, time.Now()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeHeader(dir string, h sessionHeader) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	tmp := filepath.Join(dir, headerFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, headerFile))
}

func readHeader(dir string) (sessionHeader, error) {
	var h sessionHeader
	data, err := os.ReadFile(filepath.Join(dir, headerFile))
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("failed to parse header: %w", err)
	}
	return h, nil
}

// indexEntry locates one record in a frame log.
type indexEntry struct {
	seq    uint64
	offset int64
	length uint32
}

// buildIndex scans the record prefixes of a frame log and returns them in
// sequence order. A truncated trailing record is ignored.
func buildIndex(f *os.File) ([]indexEntry, error) {
	var (
		index  []indexEntry
		offset int64
		prefix [recordPrefixLen]byte
	)
	for {
		if _, err := f.ReadAt(prefix[:], offset); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to read frame log: %w", err)
		}
		length := binary.LittleEndian.Uint32(prefix[0:4])
		if length > maxRecordLen {
			return nil, fmt.Errorf("invalid record length %d at offset %d", length, offset)
		}
		index = append(index, indexEntry{
			seq:    binary.LittleEndian.Uint64(prefix[4:12]),
			offset: offset + recordPrefixLen,
			length: length,
		})
		offset += recordPrefixLen + int64(length)
	}

	if st, err := f.Stat(); err == nil && len(index) > 0 {
		last := index[len(index)-1]
		if last.offset+int64(last.length) > st.Size() {
			index = index[:len(index)-1]
		}
	}

	sort.SliceStable(index, func(i, j int) bool { return index[i].seq < index[j].seq })
	return index, nil
}

type fileSequence struct {
	file  *os.File
	index []indexEntry
	pos   int
}

func (q *fileSequence) Next() (frame.ReconstructedFrame, error) {
	if q.pos >= len(q.index) {
		return frame.ReconstructedFrame{}, io.EOF
	}
	entry := q.index[q.pos]
	buf := make([]byte, entry.length)
	if _, err := q.file.ReadAt(buf, entry.offset); err != nil {
		return frame.ReconstructedFrame{}, fmt.Errorf("failed to read frame at offset %d: %w", entry.offset, err)
	}
	f, err := frame.DecodeRecord(buf)
	if err != nil {
		return frame.ReconstructedFrame{}, err
	}
	q.pos++
	return f, nil
}

func (q *fileSequence) Reset() error {
	q.pos = 0
	return nil
}

func (q *fileSequence) Close() error {
	return q.file.Close()
}
