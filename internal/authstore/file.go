package authstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"mcpauth/pkg/oauth"
)

const (
	clientInfoSlot    = "client_info"
	tokensSlot        = "tokens"
	codeVerifierSlot  = "code_verifier"
	authURLSlot       = "auth_url"
	pendingSlot       = "pending"
)

// FileStore persists every slot under a namespaced directory tree:
//
//	<dir>/client_info/<server-hash>.json
//	<dir>/tokens/<server-hash>.json
//	<dir>/code_verifier/<server-hash>.json
//	<dir>/auth_url/<server-hash>.json
//	<dir>/pending/<state>.json
//
// Directories are created 0700 and files 0600, matching the teacher's
// token-store security posture: this data is as sensitive as a browser
// cookie jar and should be readable only by the user running the process.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating dir and its slot
// subdirectories if they don't exist.
func NewFileStore(dir string) (*FileStore, error) {
	fs := &FileStore{dir: dir}
	for _, slot := range []string{clientInfoSlot, tokensSlot, codeVerifierSlot, authURLSlot, pendingSlot} {
		if err := os.MkdirAll(filepath.Join(dir, slot), 0700); err != nil {
			return nil, fmt.Errorf("create %s slot directory: %w", slot, err)
		}
	}
	return fs, nil
}

func (f *FileStore) path(slot, key string) string {
	return filepath.Join(f.dir, slot, key+".json")
}

// readJSON loads and decodes a slot file. A malformed file is treated as
// StorageCorrupted per spec.md: it's logged, the file is removed so it
// won't poison future reads, and the slot is reported absent rather than
// propagating a decode error up the call stack.
func readJSON[T any](f *FileStore, slot, key string) (T, bool, error) {
	var zero T
	path := f.path(slot, key)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return zero, false, nil
		}
		return zero, false, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("authstore: discarding corrupt slot file", "slot", slot, "key", key, "error", err)
		_ = os.Remove(path)
		return zero, false, nil
	}
	return v, true, nil
}

func writeJSON(f *FileStore, slot, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", slot, err)
	}
	return os.WriteFile(f.path(slot, key), data, 0600)
}

func removeFile(f *FileStore, slot, key string) error {
	err := os.Remove(f.path(slot, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileStore) GetClientInformation(_ context.Context, serverHash string) (*oauth.ClientInformation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok, err := readJSON[oauth.ClientInformation](f, clientInfoSlot, serverHash)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &v, true, nil
}

func (f *FileStore) SaveClientInformation(_ context.Context, serverHash string, info *oauth.ClientInformation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSON(f, clientInfoSlot, serverHash, info)
}

func (f *FileStore) GetTokens(_ context.Context, serverHash string) (*oauth.Token, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok, err := readJSON[oauth.Token](f, tokensSlot, serverHash)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &v, true, nil
}

func (f *FileStore) SaveTokens(_ context.Context, serverHash string, tokens *oauth.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeJSON(f, tokensSlot, serverHash, tokens); err != nil {
		slog.Warn("SECURITY_AUDIT: oauth token storage failed", "event", "token_store_failed", "server_hash", serverHash, "error", err)
		return err
	}
	slog.Info("SECURITY_AUDIT: oauth token stored", "event", "token_stored", "server_hash", serverHash, "has_refresh_token", tokens.RefreshToken != "")
	return nil
}

func (f *FileStore) GetCodeVerifier(_ context.Context, serverHash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return readJSON[string](f, codeVerifierSlot, serverHash)
}

func (f *FileStore) SaveCodeVerifier(_ context.Context, serverHash string, verifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSON(f, codeVerifierSlot, serverHash, verifier)
}

func (f *FileStore) GetAuthURL(_ context.Context, serverHash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return readJSON[string](f, authURLSlot, serverHash)
}

func (f *FileStore) SaveAuthURL(_ context.Context, serverHash string, authURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSON(f, authURLSlot, serverHash, authURL)
}

func (f *FileStore) DeleteAuthURL(_ context.Context, serverHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return removeFile(f, authURLSlot, serverHash)
}

func (f *FileStore) DeleteCodeVerifier(_ context.Context, serverHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return removeFile(f, codeVerifierSlot, serverHash)
}

func (f *FileStore) ClearServer(_ context.Context, serverHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, slot := range []string{clientInfoSlot, tokensSlot, codeVerifierSlot, authURLSlot} {
		if err := removeFile(f, slot, serverHash); err != nil {
			return fmt.Errorf("clear %s: %w", slot, err)
		}
	}
	slog.Info("SECURITY_AUDIT: oauth server storage cleared", "event", "server_cleared", "server_hash", serverHash)
	return nil
}

func (f *FileStore) ClearAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cleared := 0
	for _, slot := range []string{clientInfoSlot, tokensSlot, codeVerifierSlot, authURLSlot, pendingSlot} {
		entries, err := os.ReadDir(filepath.Join(f.dir, slot))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s slot: %w", slot, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			if err := os.Remove(filepath.Join(f.dir, slot, entry.Name())); err != nil {
				return fmt.Errorf("remove %s/%s: %w", slot, entry.Name(), err)
			}
			cleared++
		}
	}
	slog.Info("SECURITY_AUDIT: all oauth storage cleared", "event", "storage_cleared", "files_removed", cleared)
	return nil
}

func (f *FileStore) SavePendingAuthorization(_ context.Context, rec PendingAuthorization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSON(f, pendingSlot, rec.State, rec)
}

func (f *FileStore) ConsumePendingAuthorization(_ context.Context, state string) (PendingAuthorization, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok, err := readJSON[PendingAuthorization](f, pendingSlot, state)
	if err != nil || !ok {
		return PendingAuthorization{}, false, err
	}
	// Destructive: remove immediately so a second callback for the same
	// state — a duplicate browser tab, a replayed request — always misses.
	_ = removeFile(f, pendingSlot, state)

	if rec.Expired() {
		return PendingAuthorization{}, false, nil
	}
	return rec, true, nil
}

func (f *FileStore) GetTokensByIssuer(_ context.Context, issuer string) (*oauth.Token, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(f.dir, tokensSlot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".json")
		tok, ok, err := readJSON[oauth.Token](f, tokensSlot, key)
		if err != nil || !ok {
			continue
		}
		if tok.Issuer == issuer && !tok.IsExpired() {
			return &tok, true, nil
		}
	}
	return nil, false, nil
}

// Watch starts an fsnotify watch on the store's tokens/auth_url/pending
// directories and returns a channel that receives a value whenever a file
// under them is created, written, removed or renamed. This is the Go
// equivalent of spec.md's note that shared storage changes made by another
// tab should become visible to a long-running subscriber: here "another
// tab" is another process sharing the same XDG storage directory (for
// example a `mcpauth-demo logout` run while a `connect --watch` is up).
//
// The caller owns the returned watcher's lifetime via the context; Watch
// itself leaks nothing if ctx is cancelled, but callers that stop watching
// without cancelling ctx are responsible for closing the watcher in the
// returned cleanup func.
func (f *FileStore) Watch(ctx context.Context) (<-chan struct{}, func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	for _, slot := range []string{tokensSlot, authURLSlot, pendingSlot} {
		if err := watcher.Add(filepath.Join(f.dir, slot)); err != nil {
			_ = watcher.Close()
			return nil, nil, fmt.Errorf("watch %s slot: %w", slot, err)
		}
	}

	events := make(chan struct{}, 1)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				_ = watcher.Close()
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("authstore: fsnotify watch error", "error", err)
			}
		}
	}()

	return events, watcher.Close, nil
}

var _ Store = (*FileStore)(nil)
var _ Watcher = (*FileStore)(nil)

// DefaultFileStore opens (creating if necessary) the FileStore at
// ~/.config/mcpauth, the module's default storage root.
func DefaultFileStore() (*FileStore, error) {
	root, err := oauth.DefaultStorageRoot()
	if err != nil {
		return nil, err
	}
	return NewFileStore(root)
}
