// Package auth keeps the bearer token issued by the research backend.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/semresearch/research"
)

// Store is a file-backed token store. The in-memory copy is authoritative
// for requests; the file lets a login in one process reach another.
type Store struct {
	path     string
	logger   *slog.Logger
	onChange func(research.Token)

	mu    sync.RWMutex
	token research.Token
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithOnChange registers a callback for tokens picked up by Watch. A zero
// Token means the file was removed.
func WithOnChange(fn func(research.Token)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// NewStore creates a store for the token file at path. Call Load to read it.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:   filepath.Clean(path),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the token file. A missing file leaves the store empty.
func (s *Store) Load() error {
	tok, err := readToken(s.path)
	if err != nil {
		return err
	}
	s.set(tok)
	return nil
}

func readToken(path string) (research.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return research.Token{}, nil
	}
	if err != nil {
		return research.Token{}, fmt.Errorf("read token file: %w", err)
	}
	var tok research.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return research.Token{}, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return tok, nil
}

// Token returns the current access token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.AccessToken
}

// Current returns the whole stored token.
func (s *Store) Current() research.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Save stores tok in memory and writes it to disk with owner-only permissions.
func (s *Store) Save(tok research.Token) error {
	if tok.AccessToken == "" {
		return errors.New("save token: access token is empty")
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".token-*")
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("install token file: %w", err)
	}

	s.set(tok)
	return nil
}

// Clear forgets the token and removes the file.
func (s *Store) Clear() error {
	s.set(research.Token{})
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

func (s *Store) set(tok research.Token) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// Watch reloads the token whenever the file changes until ctx is done. It
// returns once the watch is established.
func (s *Store) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	// Watch the directory: Save replaces the file by rename.
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go s.watch(ctx, fsw)
	s.logger.Debug("Token watcher started", "path", s.path)
	return nil
}

func (s *Store) watch(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			s.handle(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Error("Token watcher error", "error", err)
		}
	}
}

func (s *Store) handle(event fsnotify.Event) {
	var tok research.Token
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		loaded, err := readToken(s.path)
		if err != nil {
			// A partial write is followed by another event.
			s.logger.Debug("Token file not readable yet", "error", err)
			return
		}
		tok = loaded
	default:
		return
	}

	if tok == s.Current() {
		return
	}
	s.set(tok)
	s.logger.Info("Token reloaded", "logged_in", tok.AccessToken != "")
	if s.onChange != nil {
		s.onChange(tok)
	}
}
