package store

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

var testKey = LockKey{Mode: "paper", Pair: "BTCUSDT", InstanceID: "bot1"}

func writeLock(t *testing.T, root string, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, testKey.fileName()), []byte(content), 0o644); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
}

func TestAcquireInstanceLockExclusive(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, testKey, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer lock.Release()

	_, err = AcquireInstanceLock(root, testKey, LockOptions{})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second AcquireInstanceLock() error = %v, want ErrLocked", err)
	}
}

func TestAcquireInstanceLockIsPerKey(t *testing.T) {
	root := t.TempDir()
	first, err := AcquireInstanceLock(root, testKey, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer first.Release()

	for _, key := range []LockKey{
		{Mode: "live", Pair: "BTCUSDT", InstanceID: "bot1"},
		{Mode: "paper", Pair: "ETHUSDT", InstanceID: "bot1"},
		{Mode: "paper", Pair: "BTCUSDT", InstanceID: "bot2"},
	} {
		l, err := AcquireInstanceLock(root, key, LockOptions{})
		if err != nil {
			t.Fatalf("AcquireInstanceLock(%+v) error = %v", key, err)
		}
		if l.Key() != key {
			t.Fatalf("Key() = %+v, want %+v", l.Key(), key)
		}
		_ = l.Release()
	}
}

func TestAcquireInstanceLockWritesOwner(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, testKey, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(root, testKey.fileName()))
	if err != nil {
		t.Fatalf("read lock failed: %v", err)
	}
	owner, err := readLockOwner(filepath.Join(root, testKey.fileName()))
	if err != nil {
		t.Fatalf("readLockOwner() error = %v", err)
	}
	if owner.PID != os.Getpid() || owner.Pair != "BTCUSDT" || owner.InstanceID != "bot1" || owner.StartedAt.IsZero() {
		t.Fatalf("lock owner = %+v from %q", owner, data)
	}
}

func TestAcquireInstanceLockRequiresKey(t *testing.T) {
	if _, err := AcquireInstanceLock(t.TempDir(), LockKey{Mode: "paper"}, LockOptions{}); err == nil {
		t.Fatalf("AcquireInstanceLock() with partial key should fail")
	}
	if _, err := AcquireInstanceLock("", testKey, LockOptions{}); err == nil {
		t.Fatalf("AcquireInstanceLock() without root should fail")
	}
}

func TestAcquireInstanceLockTakeoverDeadPID(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "pid: 999999\nstarted_at: "+time.Now().UTC().Format(time.RFC3339)+"\n")

	lock, err := AcquireInstanceLock(root, testKey, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLockDoesNotTakeoverRunningPID(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "pid: "+strconv.Itoa(os.Getpid())+"\nstarted_at: "+time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)+"\n")

	_, err := AcquireInstanceLock(root, testKey, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Second,
	})
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("AcquireInstanceLock() error = %v, want ErrLocked", err)
	}
	if !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("AcquireInstanceLock() error = %q, want owner_process_running", err.Error())
	}
}

func TestAcquireInstanceLockTakeoverByAgeWithoutPID(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC().Add(-2 * time.Minute)
	writeLock(t, root, "started_at: "+started.Format(time.RFC3339)+"\n")

	lock, err := AcquireInstanceLock(root, testKey, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Minute,
		Now: func() time.Time {
			return started.Add(2 * time.Minute)
		},
	})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireInstanceLockKeepsRecentUnknownLock(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC()
	writeLock(t, root, "started_at: "+started.Format(time.RFC3339)+"\n")

	_, err := AcquireInstanceLock(root, testKey, LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      10 * time.Minute,
		Now: func() time.Time {
			return started.Add(30 * time.Second)
		},
	})
	if err == nil || !strings.Contains(err.Error(), "lock_not_stale") {
		t.Fatalf("AcquireInstanceLock() error = %v, want lock_not_stale", err)
	}
}

func TestAcquireInstanceLockRefusesUnreadableOwner(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "pid: [not, a, pid]\n")

	_, err := AcquireInstanceLock(root, testKey, LockOptions{TakeoverEnabled: true, StaleAfter: time.Second})
	if !errors.Is(err, ErrLocked) || !strings.Contains(err.Error(), "stale check failed") {
		t.Fatalf("AcquireInstanceLock() error = %v, want ErrLocked with stale check failure", err)
	}
}

func TestAcquireInstanceLockKeepsOwnerlessLock(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "host: elsewhere\n")

	_, err := AcquireInstanceLock(root, testKey, LockOptions{TakeoverEnabled: true, StaleAfter: time.Second})
	if err == nil || !strings.Contains(err.Error(), "missing_lock_owner_info") {
		t.Fatalf("AcquireInstanceLock() error = %v, want missing_lock_owner_info", err)
	}
}

func TestReleaseRemovesLockFile(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireInstanceLock(root, testKey, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, testKey.fileName())); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	var nilLock *InstanceLock
	if err := nilLock.Release(); err != nil {
		t.Fatalf("nil Release() error = %v", err)
	}
}
