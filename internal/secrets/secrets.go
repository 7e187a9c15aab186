// Package secrets resolves credentials through the OS keyring first,
// falling back to process env and then a .env file. Fallback reads
// migrate the value into the keyring and leave an audit record, so a
// deployment converges on keychain storage over time.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"

	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

// service is the keyring namespace for every secret this process owns.
const service = "steamwatch"

// ErrSecretMissing means a secret was found in none of the sources.
// Required secrets missing at startup are fatal.
var ErrSecretMissing = errors.New("secret missing")

type Store struct {
	mu      sync.Mutex
	cache   map[string]string
	sink    *audit.Sink
	envFile string
}

func NewStore(sink *audit.Sink) *Store {
	return &Store{
		cache:   make(map[string]string),
		sink:    sink,
		envFile: ".env",
	}
}

// SetEnvFile overrides the fallback .env path. Used by tests and the
// config layer when the working directory is not the repo root.
func (s *Store) SetEnvFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envFile = path
}

// Get resolves a secret: keyring, then env, then .env file. Env and
// .env hits are migrated into the keyring. A miss everywhere returns
// ErrSecretMissing.
func (s *Store) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache[name]; ok {
		return v, nil
	}

	if v, err := keyring.Get(service, name); err == nil && v != "" {
		s.cache[name] = v
		return v, nil
	} else if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		// keyring backend unavailable (headless box, no dbus);
		// treated as a miss so the env chain still works
		telemetry.Debugf("secrets: keyring get %s: %v", name, err)
	}

	if v := os.Getenv(name); v != "" {
		s.migrate(name, v, "env")
		s.cache[name] = v
		return v, nil
	}

	if v, ok := s.readEnvFile(name); ok {
		s.migrate(name, v, ".env")
		s.cache[name] = v
		return v, nil
	}

	return "", fmt.Errorf("%s: %w", name, ErrSecretMissing)
}

// Set writes through to the keyring and the cache.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := keyring.Set(service, name, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", name, err)
	}
	s.cache[name] = value
	return nil
}

// Delete removes the secret from the keyring and the cache. A missing
// entry is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, name)
	if err := keyring.Delete(service, name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", name, err)
	}
	return nil
}

// Rotate replaces the stored value so the next Get sees it.
func (s *Store) Rotate(name, value string) error {
	return s.Set(name, value)
}

// Refresh drops the in-process cache. Operator tooling may rotate the
// keyring out-of-process; the next Get re-reads every source.
func (s *Store) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]string)
}

// readEnvFile looks the name up in the fallback file. The file is only
// parsed when it actually exists; a missing .env is the normal case in
// production.
func (s *Store) readEnvFile(name string) (string, bool) {
	if _, err := os.Stat(s.envFile); err != nil {
		return "", false
	}
	vals, err := godotenv.Read(s.envFile)
	if err != nil {
		telemetry.Warnf("secrets: parse %s: %v", s.envFile, err)
		return "", false
	}
	v, ok := vals[name]
	return v, ok && v != ""
}

// migrate copies a fallback hit into the keyring and records the
// fallback. Migration failure keeps the read working; the record shows
// the deployment has not converged yet.
func (s *Store) migrate(name, value, source string) {
	migrated := true
	if err := keyring.Set(service, name, value); err != nil {
		migrated = false
		telemetry.Warnf("secrets: migrate %s to keyring: %v", name, err)
	}
	s.sink.Submit(audit.Record{
		Event:       audit.EventFallbackToEnv,
		ThreadGroup: "secrets",
		ThreadID:    service,
		Fields: map[string]any{
			"name":     name,
			"source":   source,
			"migrated": migrated,
		},
	})
	if migrated {
		s.sink.Submit(audit.Record{
			Event:       audit.EventSecretMigrated,
			ThreadGroup: "secrets",
			ThreadID:    service,
			Fields:      map[string]any{"name": name, "source": source},
		})
	}
}
