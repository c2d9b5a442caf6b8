package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/pscheid92/twitchsub/internal/domain"
)

const (
	fileMode      = 0o600
	dirMode       = 0o700
	lockRetryWait = 25 * time.Millisecond
)

// FileStore persists the access and refresh tokens as two flat files.
// Expiry, scopes and the owning user are not stored; the authenticator
// recovers them by validating the token after Load.
type FileStore struct {
	accessPath  string
	refreshPath string
	sealer      Sealer

	// mu serialises callers in this process; lock serialises processes.
	mu   sync.Mutex
	lock *flock.Flock
}

type FileStoreOption func(*FileStore)

// WithSealer encrypts both token files at rest.
func WithSealer(s Sealer) FileStoreOption {
	return func(store *FileStore) {
		store.sealer = s
	}
}

func NewFileStore(accessPath, refreshPath string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		accessPath:  accessPath,
		refreshPath: refreshPath,
		sealer:      NoopSealer{},
		lock:        flock.New(accessPath + ".lock"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FileStore) Load(ctx context.Context) (domain.Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.accessPath), dirMode); err != nil {
		return domain.Credentials{}, false, fmt.Errorf("failed to create token directory: %w", err)
	}
	if _, err := s.lock.TryRLockContext(ctx, lockRetryWait); err != nil {
		return domain.Credentials{}, false, fmt.Errorf("failed to acquire token lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	access, ok, err := s.readToken(s.accessPath)
	if err != nil || !ok {
		return domain.Credentials{}, false, err
	}

	refresh, _, err := s.readToken(s.refreshPath)
	if err != nil {
		return domain.Credentials{}, false, err
	}

	return domain.Credentials{AccessToken: access, RefreshToken: refresh}, true, nil
}

func (s *FileStore) Save(ctx context.Context, creds domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if creds.AccessToken == "" {
		return errors.New("refusing to save empty access token")
	}
	if err := os.MkdirAll(filepath.Dir(s.accessPath), dirMode); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.refreshPath), dirMode); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if _, err := s.lock.TryLockContext(ctx, lockRetryWait); err != nil {
		return fmt.Errorf("failed to acquire token lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := s.writeToken(s.accessPath, creds.AccessToken); err != nil {
		return fmt.Errorf("failed to write access token: %w", err)
	}
	if err := s.writeToken(s.refreshPath, creds.RefreshToken); err != nil {
		return fmt.Errorf("failed to write refresh token: %w", err)
	}
	return nil
}

func (s *FileStore) readToken(path string) (string, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	token, err := s.sealer.Open(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return token, token != "", nil
}

func (s *FileStore) writeToken(path, token string) error {
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, []byte(sealed))
}

// writeFileAtomic replaces path with data via a synced temp file in the
// same directory, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	committed = true
	return nil
}
