package keys

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"golang.org/x/crypto/nacl/box"
)

// FileProvider is the default Provider: keypairs live as hex-encoded
// <role>.key / <role>.key_secret files under Dir, and authorized client
// public keys live one-per-file under Dir/authorized_clients — adapted from
// the on-disk keystore layout the original CurveZMQ implementation's
// KeyMonkey used, translated to Curve25519 box keys.
type FileProvider struct {
	Dir string
}

// NewFileProvider returns a FileProvider rooted at dir, creating it if
// necessary.
func NewFileProvider(dir string) (*FileProvider, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keys: create %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "authorized_clients"), 0o700); err != nil {
		return nil, fmt.Errorf("keys: create authorized_clients dir: %w", err)
	}
	return &FileProvider{Dir: dir}, nil
}

func (p *FileProvider) pubPath(role Role) string   { return filepath.Join(p.Dir, string(role)+".key") }
func (p *FileProvider) secretPath(role Role) string { return filepath.Join(p.Dir, string(role)+".key_secret") }

// LoadLocalKeypair reads the keypair for role, generating and persisting a
// fresh one atomically if none exists yet.
func (p *FileProvider) LoadLocalKeypair(role Role) (PublicKey, SecretKey, error) {
	pubPath, secPath := p.pubPath(role), p.secretPath(role)

	if _, err := os.Stat(secPath); os.IsNotExist(err) {
		if err := p.generateKeypair(role); err != nil {
			return PublicKey{}, SecretKey{}, err
		}
	}

	pub, err := readHexKey(pubPath)
	if err != nil {
		return PublicKey{}, SecretKey{}, fmt.Errorf("keys: read %s: %w", pubPath, err)
	}
	sec, err := readHexKey(secPath)
	if err != nil {
		return PublicKey{}, SecretKey{}, fmt.Errorf("keys: read %s: %w", secPath, err)
	}
	return PublicKey(pub), SecretKey(sec), nil
}

func (p *FileProvider) generateKeypair(role Role) error {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keys: generate keypair for %s: %w", role, err)
	}
	if err := atomicWriteHex(p.pubPath(role), pub[:], 0o644); err != nil {
		return err
	}
	if err := atomicWriteHex(p.secretPath(role), sec[:], 0o600); err != nil {
		return err
	}
	return nil
}

// LoadRemotePublic reads the public key of a well-known remote role (e.g.
// the Agent's copy of the Collector's public key, analogous to the original
// agent process requiring a copy of the collector's public key on disk
// before it can connect).
func (p *FileProvider) LoadRemotePublic(role Role) (PublicKey, error) {
	pub, err := readHexKey(p.pubPath(role))
	if err != nil {
		return PublicKey{}, fmt.Errorf("keys: load remote public key for %s: %w", role, err)
	}
	return PublicKey(pub), nil
}

// AuthorizedClientDir returns the directory of per-file authorized client
// public keys consulted by the Collector's client-side listener.
func (p *FileProvider) AuthorizedClientDir() (string, error) {
	return filepath.Join(p.Dir, "authorized_clients"), nil
}

func readHexKey(path string) ([32]byte, error) {
	var out [32]byte
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	decoded, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return out, fmt.Errorf("malformed key file %s: %w", path, err)
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("malformed key file %s: want 32 bytes, got %d", path, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func atomicWriteHex(path string, key []byte, perm os.FileMode) error {
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(hex.EncodeToString(key)))); err != nil {
		return fmt.Errorf("keys: write %s: %w", path, err)
	}
	return os.Chmod(path, perm)
}

// ReadAuthorizedClients scans dir for one-public-key-per-file entries,
// keyed by filename (the client's identifying name).
func ReadAuthorizedClients(dir string) (map[string]PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]PublicKey, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pub, err := readHexKey(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // skip unreadable/malformed entries rather than failing the whole scan
		}
		out[e.Name()] = PublicKey(pub)
	}
	return out, nil
}

// WatchAuthorizedClients calls reload whenever the authorized-clients
// directory changes, so the Collector picks up newly authorized client keys
// without a restart. The returned function stops the watch.
func WatchAuthorizedClients(dir string, reload func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("keys: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("keys: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				reload()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
