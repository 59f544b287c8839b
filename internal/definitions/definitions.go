// Package definitions loads reminder definitions from a YAML or JSON file and
// keeps the store in step with it.
//
// The file is the source of truth: new or edited definitions are saved (which
// re-reconciles their open cases), and stored definitions missing from the
// file are retired.
//
//	definitions:
//	  - id: anc-visit
//	    domain: district-a
//	    case_type: pregnancy
//	    start: edd_minus_30
//	    max_iteration_count: 1
//	    events:
//	      - day_num: 0
//	        fire_time: "09:00"
//	        message: {en: "Visit due in {case.edd.days_until} days"}
package definitions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"remindd/internal/config"
	"remindd/internal/reminder"
	"remindd/pkg/logx"
)

// Manager applies definition changes. *reminder.Engine implements it.
type Manager interface {
	SaveDefinition(ctx context.Context, def *reminder.Definition, now time.Time) error
	RetireDefinition(ctx context.Context, id string, now time.Time) error
}

// Lister reads the stored definitions.
type Lister interface {
	ListDefinitions(ctx context.Context, f reminder.DefinitionFilter) ([]*reminder.Definition, error)
}

type file struct {
	Definitions []*reminder.Definition `json:"definitions"`
}

// Decode strictly parses a definitions document. name picks the format by extension.
// Every definition is normalized and validated; ids must be unique.
func Decode(name string, b []byte) ([]*reminder.Definition, error) {
	jb, err := config.ToJSON(name, b)
	if err != nil {
		return nil, err
	}
	var f file
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("decode %s: trailing data", name)
	}

	seen := make(map[string]bool, len(f.Definitions))
	var errs []error
	for i, def := range f.Definitions {
		if def == nil {
			errs = append(errs, fmt.Errorf("definitions[%d]: empty entry", i))
			continue
		}
		def.Normalize()
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("definitions[%d] (%s): %w", i, def.ID, err))
			continue
		}
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("definitions[%d]: duplicate id %q", i, def.ID))
			continue
		}
		seen[def.ID] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f.Definitions, nil
}

// Load reads and decodes path.
func Load(path string) ([]*reminder.Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(path, b)
}

// Result lists what one Sync changed, by definition id.
type Result struct {
	Saved     []string `json:"saved"`
	Unchanged []string `json:"unchanged"`
	Retired   []string `json:"retired"`
}

// Syncer applies the definitions file to the store.
type Syncer struct {
	path  string
	mgr   Manager
	store Lister
	log   logx.Logger
	now   func() time.Time
	// onApplied observes every Apply, including partial failures.
	onApplied func(Result)

	// serializes Sync; the watcher and manual syncs may overlap
	mu sync.Mutex
}

func NewSyncer(path string, mgr Manager, store Lister, log logx.Logger) *Syncer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Syncer{path: path, mgr: mgr, store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Syncer) Path() string { return s.path }

// OnApplied registers fn to observe the result of every Apply.
func (s *Syncer) OnApplied(fn func(Result)) {
	s.mu.Lock()
	s.onApplied = fn
	s.mu.Unlock()
}

// Sync loads the file and applies it. A file that fails to decode changes nothing.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	defs, err := Load(s.path)
	if err != nil {
		return Result{}, err
	}
	return s.Apply(ctx, defs)
}

// Apply makes the stored definitions match defs.
func (s *Syncer) Apply(ctx context.Context, defs []*reminder.Definition) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.store.ListDefinitions(ctx, reminder.DefinitionFilter{})
	if err != nil {
		return Result{}, fmt.Errorf("list definitions: %w", err)
	}
	current := make(map[string]*reminder.Definition, len(stored))
	for _, d := range stored {
		current[d.ID] = d
	}

	now := s.now()
	var res Result
	var errs []error
	want := make(map[string]bool, len(defs))
	for _, def := range defs {
		want[def.ID] = true
		if old, ok := current[def.ID]; ok && sameDefinition(old, def) {
			res.Unchanged = append(res.Unchanged, def.ID)
			continue
		}
		if err := s.mgr.SaveDefinition(ctx, def, now); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", def.ID, err))
			continue
		}
		res.Saved = append(res.Saved, def.ID)
	}

	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if want[id] || current[id].Retired {
			continue
		}
		if err := s.mgr.RetireDefinition(ctx, id, now); err != nil {
			errs = append(errs, fmt.Errorf("retire %s: %w", id, err))
			continue
		}
		res.Retired = append(res.Retired, id)
	}

	s.log.Info("definitions synced",
		logx.String("path", s.path),
		logx.Int("saved", len(res.Saved)),
		logx.Int("unchanged", len(res.Unchanged)),
		logx.Int("retired", len(res.Retired)),
	)
	if s.onApplied != nil {
		s.onApplied(res)
	}
	return res, errors.Join(errs...)
}

// Watch re-syncs whenever the file changes, until ctx is done.
func (s *Syncer) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, s.path, s.log, func() {
		if _, err := s.Sync(ctx); err != nil {
			s.log.Error("definitions reload failed", logx.String("path", s.path), logx.Err(err))
		}
	})
}

// sameDefinition compares the authored content, ignoring bookkeeping fields.
func sameDefinition(stored, loaded *reminder.Definition) bool {
	if stored.Retired {
		return false
	}
	a, b := *stored, *loaded
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	ja, err1 := json.Marshal(&a)
	jb, err2 := json.Marshal(&b)
	return err1 == nil && err2 == nil && bytes.Equal(ja, jb)
}
