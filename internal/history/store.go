package history

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"taskwarden/internal/executor"
	"taskwarden/internal/task"
	"taskwarden/pkg/logx"
)

var ErrClosed = errors.New("history store closed")

// Store is safe for concurrent use. All access to the record map goes
// through mu; persistence runs outside it, serialized by saveMu.
type Store struct {
	cfg Config
	drv driver
	log logx.Logger

	mu      sync.Mutex
	byTask  map[task.ID][]task.ExecutionResult // newest first
	total   int
	timer   *time.Timer
	closed  bool
	pending sync.WaitGroup

	saveMu sync.Mutex
}

// Open loads the configured store and drops records older than the
// retention window.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	return OpenFs(ctx, afero.NewOsFs(), cfg, log)
}

// OpenFs is Open with the file driver on fs.
func OpenFs(ctx context.Context, fs afero.Fs, cfg Config, log logx.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "history"))

	var (
		drv driver
		err error
	)
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "none", "memory":
		drv = memoryDriver{}
	case "file":
		drv, err = openFile(fs, cfg)
	case "sqlite", "sqlite3":
		drv, err = openSQLite(cfg)
	default:
		err = errors.New("unknown history driver: " + d)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, drv: drv, log: log, byTask: map[task.ID][]task.ExecutionResult{}}
	recs, err := drv.Load(ctx)
	if err != nil {
		// a corrupt file should not keep the tool from starting
		log.Warn("history not loaded", logx.Err(err))
	}
	s.mu.Lock()
	for _, r := range recs {
		s.insertLocked(r)
	}
	s.enforceGlobalCapLocked()
	s.mu.Unlock()

	if n := s.PurgeOlderThan(time.Now().Add(-cfg.Retention)); n > 0 {
		log.Info("purged expired history", logx.Int("count", n))
	}
	return s, nil
}

// Record stores one result. Output streams are truncated independently
// before storage.
func (s *Store) Record(r task.ExecutionResult) error {
	var t1, t2 bool
	r.Stdout, t1 = executor.Truncate(r.Stdout, s.cfg.StreamCap)
	r.Stderr, t2 = executor.Truncate(r.Stderr, s.cfg.StreamCap)
	r.StdoutTruncated = r.StdoutTruncated || t1
	r.StderrTruncated = r.StderrTruncated || t2

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.insertLocked(r)
	s.enforceGlobalCapLocked()
	s.scheduleLocked()
	return nil
}

func (s *Store) insertLocked(r task.ExecutionResult) {
	list := s.byTask[r.TaskID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Started.After(r.Started) })
	list = append(list, task.ExecutionResult{})
	copy(list[i+1:], list[i:])
	list[i] = r
	s.total++
	if len(list) > s.cfg.PerTaskCap {
		s.total -= len(list) - s.cfg.PerTaskCap
		list = list[:s.cfg.PerTaskCap]
	}
	s.byTask[r.TaskID] = list
}

// enforceGlobalCapLocked drops the oldest records across all tasks until
// the total is within the global cap.
func (s *Store) enforceGlobalCapLocked() {
	for s.total > s.cfg.GlobalCap {
		var (
			oldestID task.ID
			oldest   time.Time
			found    bool
		)
		for id, list := range s.byTask {
			last := list[len(list)-1].Started
			if !found || last.Before(oldest) {
				oldestID, oldest, found = id, last, true
			}
		}
		list := s.byTask[oldestID]
		if len(list) == 1 {
			delete(s.byTask, oldestID)
		} else {
			s.byTask[oldestID] = list[:len(list)-1]
		}
		s.total--
	}
}

// scheduleLocked restarts the quiet-period timer; the latest request wins.
func (s *Store) scheduleLocked() {
	if s.timer != nil && s.timer.Stop() {
		s.pending.Done()
	}
	s.pending.Add(1)
	s.timer = time.AfterFunc(s.cfg.Debounce, func() {
		defer s.pending.Done()
		if err := s.save(context.Background()); err != nil {
			s.log.Warn("history save failed", logx.Err(err))
		}
	})
}

func (s *Store) save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.drv.Save(ctx, s.snapshot())
}

// snapshot returns every record ordered by start time.
func (s *Store) snapshot() []task.ExecutionResult {
	s.mu.Lock()
	out := make([]task.ExecutionResult, 0, s.total)
	for _, list := range s.byTask {
		out = append(out, list...)
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// ForTask returns id's records, newest first.
func (s *Store) ForTask(id task.ID) []task.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.ExecutionResult(nil), s.byTask[id]...)
}

func (s *Store) Latest(id task.ID) (task.ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTask[id]
	if len(list) == 0 {
		return task.ExecutionResult{}, false
	}
	return list[0], true
}

func (s *Store) Stats(id task.ID) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byTask[id]
	st := Stats{Runs: len(list)}
	for _, r := range list {
		if !r.Succeeded() {
			st.Failures++
		}
	}
	if len(list) > 0 {
		st.LastRun = list[0].Started
	}
	return st
}

// Len is the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PurgeOlderThan removes records that started before cutoff and returns how
// many were removed.
func (s *Store) PurgeOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, list := range s.byTask {
		keep := sort.Search(len(list), func(i int) bool { return list[i].Started.Before(cutoff) })
		if keep == len(list) {
			continue
		}
		removed += len(list) - keep
		if keep == 0 {
			delete(s.byTask, id)
		} else {
			s.byTask[id] = list[:keep]
		}
	}
	s.total -= removed
	if removed > 0 && !s.closed {
		s.scheduleLocked()
	}
	return removed
}

// Flush cancels any pending save and writes now.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil && s.timer.Stop() {
		s.pending.Done()
	}
	s.timer = nil
	s.mu.Unlock()
	return s.save(ctx)
}

// Close flushes and releases the driver. Later Records fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Flush(context.Background())
	// no save can be scheduled once closed is set
	s.pending.Wait()
	return errors.Join(err, s.drv.Close())
}
