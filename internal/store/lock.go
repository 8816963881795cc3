package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrLocked = errors.New("instance lock held")

// LockKey names one grid instance. Two processes may only run the same key
// against the same state dir one at a time.
type LockKey struct {
	Mode       string
	Pair       string
	InstanceID string
}

func (k LockKey) fileName() string {
	return fmt.Sprintf(".%s-%s-%s.lock", strings.ToLower(k.Mode), strings.ToLower(k.Pair), k.InstanceID)
}

func (k LockKey) valid() bool {
	return k.Mode != "" && k.Pair != "" && k.InstanceID != ""
}

type InstanceLock struct {
	key  LockKey
	path string
	file *os.File
}

type LockOptions struct {
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

// lockOwner is the YAML body of a lock file.
type lockOwner struct {
	PID        int       `yaml:"pid,omitempty"`
	Host       string    `yaml:"host,omitempty"`
	Mode       string    `yaml:"mode,omitempty"`
	Pair       string    `yaml:"pair,omitempty"`
	InstanceID string    `yaml:"instance_id,omitempty"`
	StartedAt  time.Time `yaml:"started_at,omitempty"`
}

// stale decides whether a lock may be taken over and says why.
func (o lockOwner) stale(now time.Time, staleAfter time.Duration) (bool, string) {
	switch {
	case o.PID > 0 && processAlive(o.PID):
		return false, "owner_process_running"
	case o.PID > 0:
		return true, "owner_process_not_running"
	case o.StartedAt.IsZero():
		return false, "missing_lock_owner_info"
	case staleAfter > 0 && now.Sub(o.StartedAt) >= staleAfter:
		return true, "lock_age_exceeded"
	default:
		return false, "lock_not_stale"
	}
}

// AcquireInstanceLock creates the lock file for key under root. A lock left
// behind by a dead process, or one older than StaleAfter with no owner pid,
// is taken over when TakeoverEnabled is set.
func AcquireInstanceLock(root string, key LockKey, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if !key.valid() {
		return nil, errors.New("lock key requires mode, pair and instance id")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, key.fileName())

	// a takeover races other starters; a few rounds settle it
	for round := 0; round < 3; round++ {
		lock, err := createLock(path, key, now().UTC())
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		owner, err := readLockOwner(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check failed: %v)", ErrLocked, path, err)
		}
		stale, reason := owner.stale(now().UTC(), opts.StaleAfter)
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func createLock(path string, key LockKey, now time.Time) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	body, err := yaml.Marshal(lockOwner{
		PID:        os.Getpid(),
		Host:       host,
		Mode:       key.Mode,
		Pair:       key.Pair,
		InstanceID: key.InstanceID,
		StartedAt:  now,
	})
	if err == nil {
		_, err = f.Write(body)
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return &InstanceLock{key: key, path: path, file: f}, nil
}

func readLockOwner(path string) (lockOwner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockOwner{}, err
	}
	var owner lockOwner
	if err := yaml.Unmarshal(data, &owner); err != nil {
		return lockOwner{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return owner, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists under another user
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (l *InstanceLock) Key() LockKey {
	if l == nil {
		return LockKey{}
	}
	return l.key
}

// Release is idempotent and safe on a nil lock.
func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.path = ""
	return nil
}
