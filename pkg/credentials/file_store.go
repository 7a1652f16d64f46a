package credentials

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// User is the signed-in account cached next to the tokens.
type User struct {
	ID             string `yaml:"id"`
	Email          string `yaml:"email"`
	Name           string `yaml:"name,omitempty"`
	GooglePhotoURL string `yaml:"google_photo_url,omitempty"`
}

// Record is the on-disk credentials document.
type Record struct {
	AccessToken  string `yaml:"access_token,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	User         *User  `yaml:"user,omitempty"`
}

// FileStore keeps credentials in a YAML file. A missing file is an empty
// record.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ TokenSource = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("credentials file store: empty path")
	}
	return &FileStore{path: path}, nil
}

// DefaultPath is ~/.turnchat/credentials.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, ".turnchat", "credentials.yaml"), nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() (Record, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return Record{}, nil
		}
		return Record{}, errors.Wrapf(err, "read credentials %s", s.path)
	}
	var rec Record
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return Record{}, errors.Wrapf(err, "parse credentials %s", s.path)
	}
	return rec, nil
}

// Save writes rec through a temp file and rename so readers never see a
// partial document.
func (s *FileStore) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

// Rotate replaces the stored tokens after a refresh and keeps the user. An
// empty refreshToken keeps the current one.
func (s *FileStore) Rotate(accessToken, refreshToken string) error {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return errors.New("rotate credentials: access token is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadLocked()
	if err != nil {
		return err
	}
	rec.AccessToken = accessToken
	if rt := strings.TrimSpace(refreshToken); rt != "" {
		rec.RefreshToken = rt
	}
	return s.saveLocked(rec)
}

func (s *FileStore) saveLocked(rec Record) error {
	b, err := yaml.Marshal(&rec)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create credentials dir")
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.yaml")
	if err != nil {
		return errors.Wrap(err, "create temp credentials")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp credentials")
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "chmod temp credentials")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp credentials")
	}
	return errors.Wrap(os.Rename(tmpName, s.path), "replace credentials")
}

// Clear removes every stored credential.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "remove credentials %s", s.path)
	}
	return nil
}

// IsStored reports whether a user, an access token and a refresh token are all
// present.
func (s *FileStore) IsStored() bool {
	rec, err := s.Load()
	if err != nil {
		return false
	}
	return rec.User != nil && rec.AccessToken != "" && rec.RefreshToken != ""
}

func (s *FileStore) Token(context.Context) (string, error) {
	rec, err := s.Load()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(rec.AccessToken), nil
}
