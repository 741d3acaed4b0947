package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matzehuels/depdb/internal/fsutil"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
)

// FileStore keeps cursor-<kind>.json and lock-<kind> files in one
// directory.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
	host    string
}

// unreadableLockGrace is how long an empty or truncated lock file is
// respected before it is reclaimed.
const unreadableLockGrace = time.Minute

type lockInfo struct {
	Session string    `json:"session"`
	PID     int       `json:"pid"`
	Host    string    `json:"host"`
	At      time.Time `json:"at"`
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New(errors.ErrCodeStore, "checkpoint directory is empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, err, "create checkpoint dir")
	}
	host, _ := os.Hostname()
	return &FileStore{baseDir: baseDir, host: host}, nil
}

func (s *FileStore) cursorPath(kind index.Kind) string {
	return filepath.Join(s.baseDir, "cursor-"+string(kind)+".json")
}

func (s *FileStore) lockPath(kind index.Kind) string {
	return filepath.Join(s.baseDir, "lock-"+string(kind))
}

func (s *FileStore) Load(ctx context.Context, kind index.Kind) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.cursorPath(kind))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, err, "read cursor")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStore, err, "parse cursor")
	}
	return &c, nil
}

func (s *FileStore) Save(ctx context.Context, c *Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "marshal cursor")
	}
	if err := fsutil.WriteFileAtomic(s.cursorPath(c.Kind), append(data, '\n'), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "write cursor")
	}
	return nil
}

// Lock creates the lock file exclusively. A lock left behind by a process
// on this host that no longer runs is taken over, as is an unreadable lock
// file older than unreadableLockGrace.
func (s *FileStore) Lock(ctx context.Context, kind index.Kind, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.lockPath(kind)
	data, err := json.Marshal(lockInfo{Session: session, PID: os.Getpid(), Host: s.host, At: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, err, "marshal lock")
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return errors.Wrap(errors.ErrCodeStore, firstErr(werr, cerr), "write lock")
			}
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrap(errors.ErrCodeStore, err, "create lock")
		}
		held, ok := s.readLock(kind)
		switch {
		case ok && !s.stale(held):
			return errors.New(errors.ErrCodeLocked, "%s crawl is locked by session %s (pid %d on %s)", kind, held.Session, held.PID, held.Host)
		case !ok && !s.abandoned(kind):
			return errors.New(errors.ErrCodeLocked, "%s crawl lock %s is being written or unreadable", kind, path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(errors.ErrCodeStore, err, "remove stale lock")
		}
	}
	return errors.New(errors.ErrCodeLocked, "%s crawl lock is contended", kind)
}

func (s *FileStore) Unlock(ctx context.Context, kind index.Kind, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.readLock(kind)
	if !ok {
		return nil
	}
	if held.Session != session {
		return errors.New(errors.ErrCodeLocked, "%s crawl lock is held by session %s", kind, held.Session)
	}
	if err := os.Remove(s.lockPath(kind)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeStore, err, "remove lock")
	}
	return nil
}

func (s *FileStore) readLock(kind index.Kind) (lockInfo, bool) {
	var info lockInfo
	data, err := os.ReadFile(s.lockPath(kind))
	if err != nil {
		return info, false
	}
	if json.Unmarshal(data, &info) != nil {
		return info, false
	}
	return info, true
}

// abandoned reports whether an unreadable lock file is old enough to have
// been left by a crash between create and write.
func (s *FileStore) abandoned(kind index.Kind) bool {
	info, err := os.Stat(s.lockPath(kind))
	if os.IsNotExist(err) {
		return true
	}
	return err == nil && time.Since(info.ModTime()) > unreadableLockGrace
}

func (s *FileStore) stale(l lockInfo) bool {
	if l.Host != s.host || l.PID <= 0 {
		return false
	}
	if l.PID == os.Getpid() {
		return false
	}
	return !processAlive(l.PID)
}

func (s *FileStore) Close() error { return nil }

// Path returns the checkpoint directory.
func (s *FileStore) Path() string { return s.baseDir }

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*FileStore)(nil)
