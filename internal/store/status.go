package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RuntimeStatus is the last known state of one instance, rewritten on every
// lifecycle change so operators can inspect a running bot from the shell.
type RuntimeStatus struct {
	Mode         string          `json:"mode"`
	Pair         string          `json:"pair"`
	InstanceID   string          `json:"instance_id"`
	PID          int             `json:"pid"`
	RunID        string          `json:"run_id,omitempty"`
	State        string          `json:"state"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Trades       int             `json:"trades"`
	ActiveOrders int             `json:"active_orders"`
	LastEvent    string          `json:"last_event,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type StatusFile struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewStatusFile(root string, key LockKey, logger *zap.Logger) (*StatusFile, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	name := strings.TrimPrefix(strings.TrimSuffix(key.fileName(), ".lock"), ".") + ".status.json"
	return &StatusFile{path: filepath.Join(root, name), logger: logger}, nil
}

func (s *StatusFile) Path() string { return s.path }

func (s *StatusFile) Save(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(status)
}

func (s *StatusFile) Load() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// writeJSONAtomic writes v next to the status file and renames it into
// place, so readers never see a half-written document.
func (s *StatusFile) writeJSONAtomic(v any) (err error) {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err = enc.Encode(v); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	s.syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func (s *StatusFile) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("status_dir_fsync_skipped", zap.String("dir", dir), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("status_dir_fsync_failed", zap.String("dir", dir), zap.Error(err))
	}
}
