package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/schema"
)

const (
	pairsFile      = "pairs.json"
	plansFile      = "twap_plans.json"
	executionsFile = "executions.json"
)

// FileStore keeps state as JSON documents under a data directory. Every
// mutation rewrites the affected document via a temp file and rename, so a
// crash mid-write never leaves a torn file behind.
type FileStore struct {
	dir string

	mu         sync.Mutex
	pairs      map[string]schema.MonitoringPair
	plans      map[string]schema.TwapPlan
	executions []schema.ExecutionRecord
}

// NewFileStore opens (or initialises) the data directory and loads existing
// documents into memory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errs.New("store/file", errs.CodeValidation, errs.WithMessage("data directory required"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage("create data directory"), errs.WithCause(err))
	}

	s := &FileStore{
		dir:   dir,
		pairs: make(map[string]schema.MonitoringPair),
		plans: make(map[string]schema.TwapPlan),
	}

	var pairs []schema.MonitoringPair
	if err := s.readDoc(pairsFile, &pairs); err != nil {
		return nil, err
	}
	for _, p := range pairs {
		s.pairs[p.PairID] = p
	}

	var plans []schema.TwapPlan
	if err := s.readDoc(plansFile, &plans); err != nil {
		return nil, err
	}
	for _, p := range plans {
		s.plans[p.PlanID] = p
	}

	if err := s.readDoc(executionsFile, &s.executions); err != nil {
		return nil, err
	}
	if len(s.executions) > ExecutionLogCap {
		s.executions = s.executions[len(s.executions)-ExecutionLogCap:]
	}
	return s, nil
}

// LoadPairs returns all persisted pairs ordered by pair id.
func (s *FileStore) LoadPairs(_ context.Context) ([]schema.MonitoringPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.MonitoringPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out, nil
}

// SavePair upserts the pair and flushes the pairs document.
func (s *FileStore) SavePair(_ context.Context, pair schema.MonitoringPair) error {
	if pair.PairID == "" {
		return errs.New("store/file", errs.CodeValidation, errs.WithMessage("pairId required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair.PairID] = pair
	return s.flushPairsLocked()
}

// DeletePair removes the pair if present and flushes the pairs document.
func (s *FileStore) DeletePair(_ context.Context, pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[pairID]; !ok {
		return nil
	}
	delete(s.pairs, pairID)
	return s.flushPairsLocked()
}

// LoadPlans returns all persisted TWAP plans ordered by plan id.
func (s *FileStore) LoadPlans(_ context.Context) ([]schema.TwapPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.TwapPlan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

// SavePlan upserts the plan and flushes the plans document.
func (s *FileStore) SavePlan(_ context.Context, plan schema.TwapPlan) error {
	if plan.PlanID == "" {
		return errs.New("store/file", errs.CodeValidation, errs.WithMessage("planId required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.PlanID] = plan
	return s.flushLocked(plansFile, s.plansSliceLocked())
}

// AppendExecution appends the record and trims the log to ExecutionLogCap.
func (s *FileStore) AppendExecution(_ context.Context, rec schema.ExecutionRecord) error {
	if rec.ID == "" {
		return errs.New("store/file", errs.CodeValidation, errs.WithMessage("execution id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, rec)
	if len(s.executions) > ExecutionLogCap {
		s.executions = s.executions[len(s.executions)-ExecutionLogCap:]
	}
	return s.flushLocked(executionsFile, s.executions)
}

// LoadExecutions returns the most recent records, newest first.
func (s *FileStore) LoadExecutions(_ context.Context, limit int) ([]schema.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.executions)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]schema.ExecutionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.executions[i])
	}
	return out, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) plansSliceLocked() []schema.TwapPlan {
	out := make([]schema.TwapPlan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out
}

func (s *FileStore) flushPairsLocked() error {
	out := make([]schema.MonitoringPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return s.flushLocked(pairsFile, out)
}

func (s *FileStore) flushLocked(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("encode %s", name)), errs.WithCause(err))
	}
	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage("create temp file"), errs.WithCause(err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("write %s", name)), errs.WithCause(err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("sync %s", name)), errs.WithCause(err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("close %s", name)), errs.WithCause(err))
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("replace %s", name)), errs.WithCause(err))
	}
	return nil
}

func (s *FileStore) readDoc(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("read %s", name)), errs.WithCause(err))
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.New("store/file", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("decode %s", name)), errs.WithCause(err))
	}
	return nil
}
