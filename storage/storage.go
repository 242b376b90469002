package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
)

type RunState string

const (
	RunExecuting          RunState = "Executing"
	RunCommitting         RunState = "Committing"
	RunRollingBack        RunState = "RollingBack"
	RunCommitted          RunState = "Committed"
	RunRolledBack         RunState = "RolledBack"
	RunPartiallyCommitted RunState = "PartiallyCommitted"
	RunResolutionFailed   RunState = "ResolutionFailed"
	// RunInDoubt marks a run recovery could not decide on.
	RunInDoubt RunState = "InDoubt"
)

// Terminal reports whether a run in state s has finished resolving.
func (s RunState) Terminal() bool {
	switch s {
	case RunCommitted, RunRolledBack, RunPartiallyCommitted, RunResolutionFailed, RunInDoubt:
		return true
	default:
		return false
	}
}

var ErrRunNotFound = errors.New("run not found in journal")

type Entry struct {
	Participant string         `json:"participant,omitempty"`
	Index       int            `json:"index"`
	Event       string         `json:"event"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// Journal records the progress of coordinator runs so a restarted process
// can find runs that never finished.
type Journal interface {
	SaveState(runID string, state RunState, meta map[string]any) error
	LoadState(runID string) (RunState, map[string]any, error)
	Append(runID string, entry Entry) error
	Entries(runID string) ([]Entry, error)
	// ListIncomplete returns the ids of runs that are not in a terminal
	// state, sorted.
	ListIncomplete() ([]string, error)
}

type persistedRun struct {
	RunID string         `json:"run_id"`
	State RunState       `json:"state"`
	Meta  map[string]any `json:"meta,omitempty"`
	Log   []Entry        `json:"log,omitempty"`
}

// FileJournal keeps one JSON document per run under dir. Writes go through
// a temporary file and a rename.
type FileJournal struct {
	dir   string
	clock clock.Clock
	mu    sync.Mutex
}

func NewFileJournal(dir string, clk clock.Clock) (*FileJournal, error) {
	if dir == "" {
		dir = "./fanout-journal"
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileJournal{dir: dir, clock: clk}, nil
}

func (f *FileJournal) path(runID string) string {
	return filepath.Join(f.dir, "run-"+runID+".json")
}

func (f *FileJournal) readLocked(runID string) (*persistedRun, bool, error) {
	p := &persistedRun{RunID: runID, Meta: map[string]any{}}
	b, err := os.ReadFile(f.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return p, false, nil
		}
		return nil, false, err
	}
	if err := json.Unmarshal(b, p); err != nil {
		return nil, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return p, true, nil
}

func (f *FileJournal) writeLocked(p *persistedRun) error {
	path := f.path(p.RunID)
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileJournal) SaveState(runID string, state RunState, meta map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _, err := f.readLocked(runID)
	if err != nil {
		return err
	}
	p.State = state
	if p.Meta == nil {
		p.Meta = map[string]any{}
	}
	for k, v := range meta {
		p.Meta[k] = v
	}
	return f.writeLocked(p)
}

func (f *FileJournal) LoadState(runID string) (RunState, map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok, err := f.readLocked(runID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return p.State, p.Meta, nil
}

func (f *FileJournal) Append(runID string, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _, err := f.readLocked(runID)
	if err != nil {
		return err
	}
	entry.Timestamp = f.clock.Now().UTC()
	p.Log = append(p.Log, entry)
	return f.writeLocked(p)
}

func (f *FileJournal) Entries(runID string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok, err := f.readLocked(runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return p.Log, nil
}

func (f *FileJournal) ListIncomplete() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, fi := range files {
		name := fi.Name()
		if fi.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		runID := strings.TrimSuffix(strings.TrimPrefix(name, "run-"), ".json")
		p, _, err := f.readLocked(runID)
		if err != nil {
			continue
		}
		if !p.State.Terminal() {
			ids = append(ids, runID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type MemoryJournal struct {
	clock clock.Clock
	mu    sync.Mutex
	runs  map[string]*persistedRun
}

func NewMemoryJournal(clk clock.Clock) *MemoryJournal {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryJournal{clock: clk, runs: make(map[string]*persistedRun)}
}

func (m *MemoryJournal) run(runID string) *persistedRun {
	p, ok := m.runs[runID]
	if !ok {
		p = &persistedRun{RunID: runID, Meta: map[string]any{}}
		m.runs[runID] = p
	}
	return p
}

func (m *MemoryJournal) SaveState(runID string, state RunState, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.run(runID)
	p.State = state
	for k, v := range meta {
		p.Meta[k] = v
	}
	return nil
}

func (m *MemoryJournal) LoadState(runID string) (RunState, map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.runs[runID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	meta := make(map[string]any, len(p.Meta))
	for k, v := range p.Meta {
		meta[k] = v
	}
	return p.State, meta, nil
}

func (m *MemoryJournal) Append(runID string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.run(runID)
	entry.Timestamp = m.clock.Now().UTC()
	p.Log = append(p.Log, entry)
	return nil
}

func (m *MemoryJournal) Entries(runID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return append([]Entry(nil), p.Log...), nil
}

func (m *MemoryJournal) ListIncomplete() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, p := range m.runs {
		if !p.State.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Runs returns every run id the journal knows, sorted.
func (m *MemoryJournal) Runs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
