package job

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ruuf/ruuf/pkg/errors"
)

const lockName = "ruuf.lock"

// Slot admits at most one active job. Inside the process it holds the job
// itself; across processes it holds an exclusive lock on a file in the
// work dir naming the busy device.
type Slot struct {
	lockPath string

	mu     sync.Mutex
	active *Job
	lock   *os.File
}

// NewSlot creates a slot whose lock file lives in workDir. An empty
// workDir disables the cross-process lock.
func NewSlot(workDir string) *Slot {
	s := &Slot{}
	if workDir != "" {
		s.lockPath = filepath.Join(workDir, lockName)
	}
	return s
}

// Acquire admits j or fails with DeviceBusy.
func (s *Slot) Acquire(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return errors.Newf(errors.KindDeviceBusy, "acquire job slot",
			"job %s is already running on %s", s.active.ID, s.active.Device.DisplayPath)
	}

	if s.lockPath != "" {
		f, err := s.openLock()
		if err != nil {
			return err
		}
		if err := tryLock(f); err != nil {
			holder, _ := os.ReadFile(s.lockPath)
			f.Close()
			slog.Warn("job_slot_held_elsewhere", "lock", s.lockPath, "holder", strings.TrimSpace(string(holder)), "error", err)
			return errors.Newf(errors.KindDeviceBusy, "acquire job slot",
				"another flash job is running (%s)", strings.TrimSpace(string(holder)))
		}
		if err := f.Truncate(0); err == nil {
			fmt.Fprintf(f, "%d %s %s\n", os.Getpid(), j.Device.ID, j.Device.DisplayPath)
			f.Sync()
		}
		s.lock = f
	}

	s.active = j
	slog.Info("job_slot_acquired", "job_id", j.ID, "device", j.Device.DisplayPath)
	return nil
}

func (s *Slot) openLock() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create work dir")
	}
	f, err := os.OpenFile(s.lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open job lock")
	}
	return f, nil
}

// Release frees the slot if j holds it.
func (s *Slot) Release(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active != j {
		return
	}
	if s.lock != nil {
		s.lock.Truncate(0)
		unlock(s.lock)
		s.lock.Close()
		s.lock = nil
	}
	s.active = nil
	slog.Info("job_slot_released", "job_id", j.ID, "state", j.State())
}

// Active returns the running job, if any.
func (s *Slot) Active() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Busy reports whether a job in this or another process owns deviceID.
func (s *Slot) Busy(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return s.active.Device.ID == deviceID
	}
	fields, held := s.holder()
	return held && len(fields) >= 2 && fields[1] == deviceID
}

// Held reports whether any job, in this or another process, owns the slot.
func (s *Slot) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return true
	}
	_, held := s.holder()
	return held
}

// holder probes the lock file. The fields are "pid deviceID path".
func (s *Slot) holder() ([]string, bool) {
	if s.lockPath == "" {
		return nil, false
	}

	f, err := os.OpenFile(s.lockPath, os.O_RDWR, 0)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	if err := tryLock(f); err == nil {
		unlock(f)
		return nil, false
	}

	holder, err := os.ReadFile(s.lockPath)
	if err != nil {
		return nil, true
	}
	return strings.Fields(string(holder)), true
}
