package dazee

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// defaultSnapshotTTL is how long uncommitted snapshots remain restorable.
const defaultSnapshotTTL = 24 * time.Hour

// Snapshot holds the original bytes of every file a session has touched,
// plus the session's reversible operation log. Persisted as
// {session_id}.json with sibling {capture_id}.bin blobs.
type Snapshot struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	CreatedAt  int64                  `json:"created_at"`
	ExpiresAt  int64                  `json:"expires_at"`
	Files      map[string]FileCapture `json:"files"`
	Operations []OperationRecord      `json:"operations"`
}

// FileCapture records one path's pre-session state. Absent marks paths that
// did not exist at capture time (their inverse is deletion).
type FileCapture struct {
	Blob   string `json:"blob,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size"`
	Mode   uint32 `json:"mode,omitempty"`
	Absent bool   `json:"absent,omitempty"`
}

// renameInverse is the inverse payload for file_rename operations.
type renameInverse struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// pathInverse is the inverse payload for write/create/delete operations.
type pathInverse struct {
	Path string `json:"path"`
}

// SnapshotStore captures file bytes before mutation and reverses recorded
// operations on demand. Concurrent-safe; per-session state is accessed under
// a per-session lock and disk writes are sequential within a session.
type SnapshotStore struct {
	dir     string
	ttl     time.Duration
	minFree uint64
	logger  *slog.Logger

	// freeBytes reports available space for the snapshot directory.
	// Replaceable in tests to simulate a full disk.
	freeBytes func(dir string) (uint64, error)

	mu       sync.Mutex
	sessions map[string]*sessionSnapshot
}

type sessionSnapshot struct {
	mu   sync.Mutex
	snap *Snapshot
}

// SnapshotOption configures a SnapshotStore.
type SnapshotOption func(*SnapshotStore)

// WithSnapshotTTL sets how long uncommitted snapshots are kept (default 24h).
func WithSnapshotTTL(d time.Duration) SnapshotOption {
	return func(s *SnapshotStore) { s.ttl = d }
}

// WithSnapshotLogger sets the structured logger (default: no output).
func WithSnapshotLogger(l *slog.Logger) SnapshotOption {
	return func(s *SnapshotStore) { s.logger = l }
}

// WithMinFreeBytes sets the free-space floor below which captures fail with
// ErrSnapshotFull. Zero disables the check.
func WithMinFreeBytes(n uint64) SnapshotOption {
	return func(s *SnapshotStore) { s.minFree = n }
}

// NewSnapshotStore creates the snapshot directory if needed and returns a
// store rooted there.
func NewSnapshotStore(dir string, opts ...SnapshotOption) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	s := &SnapshotStore{
		dir:       dir,
		ttl:       defaultSnapshotTTL,
		freeBytes: diskFreeBytes,
		sessions:  make(map[string]*sessionSnapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s, nil
}

// EnsureCaptured reads and persists the current bytes of every path not yet
// captured for the session. Paths that do not exist are marked absent.
// Idempotent; called by the tool executor before any file-mutating tool runs.
func (s *SnapshotStore) EnsureCaptured(sessionID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := s.checkSpace(); err != nil {
		return err
	}
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.snap == nil {
		now := time.Now()
		sess.snap = &Snapshot{
			ID:        NewID(),
			SessionID: sessionID,
			CreatedAt: now.Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
			Files:     make(map[string]FileCapture),
		}
	}
	changed := false
	for _, p := range paths {
		p = filepath.Clean(p)
		if _, ok := sess.snap.Files[p]; ok {
			continue
		}
		fc, err := s.capture(p)
		if err != nil {
			return fmt.Errorf("capture %s: %w", p, err)
		}
		sess.snap.Files[p] = fc
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persist(sess.snap)
}

func (s *SnapshotStore) capture(path string) (FileCapture, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FileCapture{Absent: true}, nil
	}
	if err != nil {
		return FileCapture{}, err
	}
	if info.IsDir() {
		// Directories are captured as markers; their contents are captured
		// per file when tools declare them.
		return FileCapture{Mode: uint32(info.Mode()), Size: 0, SHA256: ""}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FileCapture{}, err
	}
	sum := sha256.Sum256(data)
	blob := NewID() + ".bin"
	if err := os.WriteFile(filepath.Join(s.dir, blob), data, 0o600); err != nil {
		return FileCapture{}, err
	}
	return FileCapture{
		Blob:   blob,
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
		Mode:   uint32(info.Mode()),
	}, nil
}

// Record appends op to the session's operation log and persists it.
func (s *SnapshotStore) Record(op OperationRecord) error {
	sess := s.session(op.SessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.snap == nil {
		return fmt.Errorf("record %s: no snapshot for session %s", op.ID, op.SessionID)
	}
	if op.ID == "" {
		op.ID = NewID()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = NowUnix()
	}
	sess.snap.Operations = append(sess.snap.Operations, op)
	return s.persist(sess.snap)
}

// Pending returns the session's uncommitted operations, oldest first.
func (s *SnapshotStore) Pending(sessionID string) []OperationRecord {
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.snap == nil {
		return nil
	}
	var out []OperationRecord
	for _, op := range sess.snap.Operations {
		if !op.Committed {
			out = append(out, op)
		}
	}
	return out
}

// Commit marks all operations committed and drops the snapshot with its
// blobs. The session's mutations become permanent.
func (s *SnapshotStore) Commit(sessionID string) error {
	sess := s.session(sessionID)
	sess.mu.Lock()
	snap := sess.snap
	sess.snap = nil
	sess.mu.Unlock()
	if snap == nil {
		return nil
	}
	s.removeFiles(snap)
	s.forget(sessionID)
	return nil
}

// Rollback reverses the selected operations in reverse chronological order,
// restoring exact bytes (sha256-verified). A nil or empty selection reverses
// everything. Reversed operations leave the log; the snapshot is dropped once
// no operations remain.
func (s *SnapshotStore) Rollback(sessionID string, selectIDs []string) ([]RollbackResult, error) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	if sess.snap == nil {
		sess.mu.Unlock()
		return nil, fmt.Errorf("rollback: no snapshot for session %s", sessionID)
	}

	selected := func(op OperationRecord) bool {
		if op.Committed {
			return false
		}
		if len(selectIDs) == 0 {
			return true
		}
		for _, id := range selectIDs {
			if op.ID == id {
				return true
			}
		}
		return false
	}

	var results []RollbackResult
	remaining := sess.snap.Operations[:0:0]
	// Reverse order: later mutations are undone before earlier ones.
	for i := len(sess.snap.Operations) - 1; i >= 0; i-- {
		op := sess.snap.Operations[i]
		if !selected(op) {
			remaining = append(remaining, op)
			continue
		}
		res := s.reverse(sess.snap, op)
		results = append(results, res)
		if !res.Restored {
			// A failed reversal stays in the log so the user can retry.
			remaining = append(remaining, op)
		}
	}
	// remaining was built newest-first; restore chronological order.
	for i, j := 0, len(remaining)-1; i < j; i, j = i+1, j-1 {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	}
	sess.snap.Operations = remaining

	if len(remaining) == 0 {
		snap := sess.snap
		sess.snap = nil
		sess.mu.Unlock()
		s.removeFiles(snap)
		s.forget(sessionID)
		return results, nil
	}
	err := s.persist(sess.snap)
	sess.mu.Unlock()
	return results, err
}

// reverse undoes a single operation. file_create deletes the file,
// file_delete and file_write restore captured bytes, file_rename renames
// back to the original path.
func (s *SnapshotStore) reverse(snap *Snapshot, op OperationRecord) RollbackResult {
	res := RollbackResult{OperationID: op.ID}
	fail := func(err error) RollbackResult {
		res.Error = err.Error()
		s.logger.Warn("rollback failed", "session_id", snap.SessionID, "operation", op.ID, "kind", op.Kind, "error", err)
		return res
	}

	switch op.Kind {
	case OpFileCreate:
		var inv pathInverse
		if err := json.Unmarshal(op.Inverse, &inv); err != nil {
			return fail(fmt.Errorf("decode inverse: %w", err))
		}
		res.Path = inv.Path
		if err := os.Remove(inv.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fail(err)
		}
		res.Restored = true
		return res

	case OpFileWrite, OpFileDelete:
		var inv pathInverse
		if err := json.Unmarshal(op.Inverse, &inv); err != nil {
			return fail(fmt.Errorf("decode inverse: %w", err))
		}
		res.Path = inv.Path
		fc, ok := snap.Files[filepath.Clean(inv.Path)]
		if !ok {
			return fail(fmt.Errorf("no capture for %s", inv.Path))
		}
		if fc.Absent {
			// The file did not exist before the session; undo is deletion.
			if err := os.Remove(inv.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fail(err)
			}
			res.Restored = true
			return res
		}
		if err := s.restoreBlob(inv.Path, fc); err != nil {
			return fail(err)
		}
		res.Restored = true
		return res

	case OpFileRename:
		var inv renameInverse
		if err := json.Unmarshal(op.Inverse, &inv); err != nil {
			return fail(fmt.Errorf("decode inverse: %w", err))
		}
		res.Path = inv.From
		if err := os.MkdirAll(filepath.Dir(inv.From), 0o755); err != nil {
			return fail(err)
		}
		if err := os.Rename(inv.To, inv.From); err != nil {
			return fail(err)
		}
		res.Restored = true
		return res

	default:
		return fail(fmt.Errorf("unknown operation kind %q", op.Kind))
	}
}

// restoreBlob writes the captured bytes back to path and verifies the
// restored content hashes to the captured sha256.
func (s *SnapshotStore) restoreBlob(path string, fc FileCapture) error {
	data, err := os.ReadFile(filepath.Join(s.dir, fc.Blob))
	if err != nil {
		return fmt.Errorf("read blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	mode := fs.FileMode(fc.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(path, data, mode.Perm()); err != nil {
		return err
	}
	restored, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verify restore: %w", err)
	}
	sum := sha256.Sum256(restored)
	if got := hex.EncodeToString(sum[:]); got != fc.SHA256 {
		return fmt.Errorf("restore verification failed: sha256 %s != %s", got, fc.SHA256)
	}
	return nil
}

// ExpireOld purges snapshots whose expiry has passed, both in memory and on
// disk. Invoked periodically by the owning process.
func (s *SnapshotStore) ExpireOld() {
	now := time.Now().Unix()

	s.mu.Lock()
	live := make(map[string]*sessionSnapshot, len(s.sessions))
	for id, sess := range s.sessions {
		live[id] = sess
	}
	s.mu.Unlock()

	for id, sess := range live {
		sess.mu.Lock()
		if sess.snap == nil || sess.snap.ExpiresAt >= now {
			sess.mu.Unlock()
			continue
		}
		snap := sess.snap
		sess.snap = nil
		sess.mu.Unlock()
		s.removeFiles(snap)
		s.forget(id)
		s.logger.Info("expired snapshot", "session_id", snap.SessionID, "snapshot_id", snap.ID)
	}

	// Orphans on disk (e.g. from a crash after expiry) are swept too.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		snap, err := s.load(filepath.Join(s.dir, e.Name()))
		if err != nil || snap.ExpiresAt >= now {
			continue
		}
		if s.active(snap.SessionID) {
			continue
		}
		s.removeFiles(snap)
	}
}

// Recover reloads uncommitted snapshots from disk after a restart so their
// operations remain rollbackable. Expired snapshots are purged instead.
func (s *SnapshotStore) Recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		snap, err := s.load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "file", e.Name(), "error", err)
			continue
		}
		if snap.ExpiresAt < now {
			s.removeFiles(snap)
			continue
		}
		sess := s.session(snap.SessionID)
		sess.mu.Lock()
		sess.snap = snap
		sess.mu.Unlock()
		s.logger.Info("recovered snapshot", "session_id", snap.SessionID,
			"files", len(snap.Files), "operations", len(snap.Operations))
	}
	return nil
}

// Sessions returns the ids of sessions with live snapshots.
func (s *SnapshotStore) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

func (s *SnapshotStore) active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

func (s *SnapshotStore) forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *SnapshotStore) session(sessionID string) *sessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &sessionSnapshot{}
		s.sessions[sessionID] = sess
	}
	return sess
}

func (s *SnapshotStore) persist(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, snap.SessionID+".json"), data, 0o600)
}

func (s *SnapshotStore) load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotStore) removeFiles(snap *Snapshot) {
	for _, fc := range snap.Files {
		if fc.Blob != "" {
			os.Remove(filepath.Join(s.dir, fc.Blob))
		}
	}
	os.Remove(filepath.Join(s.dir, snap.SessionID+".json"))
}

func (s *SnapshotStore) checkSpace() error {
	if s.minFree == 0 {
		return nil
	}
	free, err := s.freeBytes(s.dir)
	if err != nil {
		s.logger.Warn("free space check failed", "dir", s.dir, "error", err)
		return nil
	}
	if free < s.minFree {
		return fmt.Errorf("%w: %d bytes free, floor %d", ErrSnapshotFull, free, s.minFree)
	}
	return nil
}
