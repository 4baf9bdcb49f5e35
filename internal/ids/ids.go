// Package ids generates the identifiers used across svcbus: envelope ids,
// correlation ids, subscription ids and the persisted instance id of a bus
// process. All identifiers are ULIDs: time-sortable and globally unique.
package ids

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const instanceFile = "instance_id"

// monoEntropy is shared by every New call so that ids generated within the
// same millisecond stay lexicographically ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh ULID string.
func New() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is like New but panics on error. The monotonic reader only fails
// when more than 2^80 ids are requested in one millisecond.
func MustNew() string {
	id, err := New()
	if err != nil {
		panic(fmt.Sprintf("ids.MustNew: %v", err))
	}
	return id
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Time extracts the creation time embedded in a ULID.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}

// Instance returns the instance id stored in dataDir, generating and
// persisting one on first use. An explicit override other than "" or "auto"
// is validated and returned as is.
func Instance(dataDir, override string) (string, error) {
	if dataDir == "" {
		return "", errors.New("ids: dataDir must not be empty")
	}
	if override != "" && override != "auto" {
		if !Valid(override) {
			return "", fmt.Errorf("ids: invalid instance id override %q", override)
		}
		return override, nil
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("ids: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, instanceFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if !Valid(id) {
			return "", fmt.Errorf("ids: persisted instance id %q is invalid", id)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ids: read instance file: %w", err)
	}

	id, err := New()
	if err != nil {
		return "", fmt.Errorf("ids: generate instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ids: persist instance id: %w", err)
	}
	return id, nil
}
