package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/vigil/pkg/check"
	"go.uber.org/zap"
)

var validate = validator.New()

type fileRule struct {
	ID        string    `yaml:"id" validate:"required"`
	Group     string    `yaml:"group" validate:"required"`
	Comment   string    `yaml:"comment"`
	Disabled  bool      `yaml:"disabled"`
	Condition Condition `yaml:"condition"`
	Value     any       `yaml:"value" validate:"required"`
}

type fileOverride struct {
	Host   string `yaml:"host" validate:"required"`
	Plugin string `yaml:"plugin" validate:"required"`
	Item   string `yaml:"item"`
	Value  any    `yaml:"value" validate:"required"`
}

type ruleFile struct {
	Rules     []fileRule     `yaml:"rules" validate:"dive"`
	Overrides []fileOverride `yaml:"overrides" validate:"dive"`
}

type overrideKey struct {
	host string
	id   check.ServiceID
}

// Snapshot is an immutable, parsed rule set.
type Snapshot struct {
	groups    map[string][]Rule
	overrides map[overrideKey]check.Params
	rules     int
	loadedAt  time.Time
}

// Compile-time interface guards.
var (
	_ Store       = (*Snapshot)(nil)
	_ Store       = (*FileStore)(nil)
	_ Snapshotter = (*FileStore)(nil)
)

// Parse decodes a YAML rule file:
//
//	rules:
//	  - id: db-disks
//	    group: df
//	    condition: {hosts: ["~db"], items: ["/var"]}
//	    value: [85, 95]
//	overrides:
//	  - {host: db1, plugin: df, item: /, value: {levels: [90, 95]}}
//
// Two-number lists become pair parameters and mappings become map
// parameters. Patterns are compiled here, so a bad pattern fails the load.
func Parse(data []byte) (*Snapshot, error) {
	var raw ruleFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", validationError(err))
	}

	snap := &Snapshot{
		groups:    make(map[string][]Rule),
		overrides: make(map[overrideKey]check.Params),
		loadedAt:  time.Now(),
	}
	ids := make(map[string]bool, len(raw.Rules))
	for i, fr := range raw.Rules {
		if ids[fr.ID] {
			return nil, fmt.Errorf("rule %d: duplicate id %q", i, fr.ID)
		}
		ids[fr.ID] = true

		value, err := check.FromValue(fr.Value)
		if err != nil {
			return nil, fmt.Errorf("rule %q value: %w", fr.ID, err)
		}
		cond := fr.Condition
		if err := cond.Compile(); err != nil {
			return nil, fmt.Errorf("rule %q condition: %w", fr.ID, err)
		}
		snap.groups[fr.Group] = append(snap.groups[fr.Group], Rule{
			ID:        fr.ID,
			Comment:   fr.Comment,
			Condition: cond,
			Value:     value,
			Disabled:  fr.Disabled,
		})
		snap.rules++
	}
	for i, fo := range raw.Overrides {
		value, err := check.FromValue(fo.Value)
		if err != nil {
			return nil, fmt.Errorf("override %d (%s on %s): %w", i, fo.Plugin, fo.Host, err)
		}
		key := overrideKey{host: fo.Host, id: check.ServiceID{Plugin: fo.Plugin, Item: fo.Item}}
		if _, dup := snap.overrides[key]; dup {
			return nil, fmt.Errorf("override %d: duplicate override for %s on %s", i, key.id, fo.Host)
		}
		snap.overrides[key] = value
	}
	return snap, nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "ruleFile.")
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, e.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// RulesForGroup returns the rules of group in file order.
func (s *Snapshot) RulesForGroup(group string) []Rule {
	return s.groups[group]
}

// OverrideFor returns the override for one service on host.
func (s *Snapshot) OverrideFor(host string, id check.ServiceID) (check.Params, bool) {
	p, ok := s.overrides[overrideKey{host: host, id: id}]
	return p, ok
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int { return s.rules }

// Groups returns the number of rule groups in the snapshot.
func (s *Snapshot) Groups() int { return len(s.groups) }

// FileStore serves rules from a YAML file. Reload swaps in a new snapshot
// atomically; readers holding the old one are unaffected.
type FileStore struct {
	path    string
	current atomic.Pointer[Snapshot]
	logger  *zap.Logger
}

// NewFileStore loads path. An empty path gives a store without rules.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	f := &FileStore{path: path, logger: logger}
	if path == "" {
		empty, _ := Parse(nil)
		f.current.Store(empty)
		return f, nil
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the rule file. On error the previous snapshot stays.
func (f *FileStore) Reload() error {
	if f.path == "" {
		return nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read rules %s: %w", f.path, err)
	}
	snap, err := Parse(data)
	if err != nil {
		return fmt.Errorf("load rules %s: %w", f.path, err)
	}
	f.current.Store(snap)
	f.logger.Info("rules loaded",
		zap.String("path", f.path),
		zap.Int("rules", snap.Len()),
		zap.Int("groups", snap.Groups()),
		zap.Int("overrides", len(snap.overrides)),
	)
	return nil
}

// Snapshot returns the rule set currently in effect.
func (f *FileStore) Snapshot() Store {
	return f.current.Load()
}

func (f *FileStore) RulesForGroup(group string) []Rule {
	return f.current.Load().RulesForGroup(group)
}

func (f *FileStore) OverrideFor(host string, id check.ServiceID) (check.Params, bool) {
	return f.current.Load().OverrideFor(host, id)
}

// Watch reloads the file whenever it changes until ctx is done. Bursts of
// events are coalesced over debounce. The directory is watched rather
// than the file so editors that replace the file are handled.
func (f *FileStore) Watch(ctx context.Context, debounce time.Duration) error {
	if f.path == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	target := filepath.Clean(f.path)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("rules watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			if err := f.Reload(); err != nil {
				f.logger.Error("rules reload failed, keeping previous rules", zap.Error(err))
			}
		}
	}
}
