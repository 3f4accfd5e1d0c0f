package inject

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/go-analyze/bulk"
)

const (
	// HookNameLog logs each call with its arguments.
	HookNameLog = "log"
	// HookNameJournal only marks the site, every transported call is journaled by the hook server.
	HookNameJournal = "journal"
	// HookNameCount counts calls per hook.
	HookNameCount = "count"

	phaseBefore = "before"
	phaseAfter  = "after"
)

var (
	// ErrManifestInvalid indicates a manifest that can't be used.
	ErrManifestInvalid = errors.New("invalid manifest")
	// ErrUnknownHookName indicates a manifest names a hook that is not in the hook set.
	ErrUnknownHookName = errors.New("unknown hook name")
)

// Manifest declares which declarations receive which named hooks.
type Manifest struct {
	Accessor string          `toml:"accessor"`
	Replace  []ManifestEntry `toml:"replace"`
	// Path is the file the manifest was loaded from.
	Path string `toml:"-"`
}

// ManifestEntry is a single `[[replace]]` table.
type ManifestEntry struct {
	File   string   `toml:"file"` // relative to the project directory
	Kind   string   `toml:"kind"`
	From   string   `toml:"from"`
	To     string   `toml:"to"`
	Before []string `toml:"before"`
	After  []string `toml:"after"`
}

// LoadManifest reads and validates a TOML manifest.
func LoadManifest(path string) (*Manifest, error) {
	var mf Manifest
	meta, err := toml.DecodeFile(path, &mf)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	} else if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown keys %v", ErrManifestInvalid, path, undecoded)
	} else if !meta.IsDefined("replace") {
		return nil, fmt.Errorf("%w: %s: missing [[replace]]", ErrManifestInvalid, path)
	}
	mf.Path = path
	if err := mf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &mf, nil
}

// Validate checks every entry is complete. Hook names are checked by Build against the hook set in use.
func (mf *Manifest) Validate() error {
	if len(mf.Replace) == 0 {
		return fmt.Errorf("%w: no replace entries", ErrManifestInvalid)
	}
	var errs []error
	for i, e := range mf.Replace {
		kind, err := ParseSelectorKind(e.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: replace[%d]: %w", ErrManifestInvalid, i, err))
			continue
		}
		if strings.TrimSpace(e.File) == "" {
			errs = append(errs, fmt.Errorf("%w: replace[%d]: missing file", ErrManifestInvalid, i))
		} else if filepath.IsAbs(e.File) {
			errs = append(errs, fmt.Errorf("%w: replace[%d]: file must be relative: %s", ErrManifestInvalid, i, e.File))
		}
		if strings.TrimSpace(e.From) == "" {
			errs = append(errs, fmt.Errorf("%w: replace[%d]: missing from", ErrManifestInvalid, i))
		} else if kind == SelectorMethod && !strings.Contains(e.From, ".") {
			errs = append(errs, fmt.Errorf("%w: replace[%d]: method selector %q must be Type.Method",
				ErrManifestInvalid, i, e.From))
		} else if kind == SelectorFunction && strings.Contains(e.From, ".") {
			errs = append(errs, fmt.Errorf("%w: replace[%d]: function selector %q must be a bare name",
				ErrManifestInvalid, i, e.From))
		}
		if dup := duplicateNames(e.Before, e.After); len(dup) > 0 {
			log.Printf("Manifest replace[%d] %s lists hooks more than once: %v", i, e.From, dup)
		}
	}
	return errors.Join(errs...)
}

func duplicateNames(before, after []string) []string {
	counts := bulk.SliceToCounts(slices.Concat(before, after))
	var dup []string
	for name, c := range counts {
		if c > 1 {
			dup = append(dup, name)
		}
	}
	slices.Sort(dup)
	return dup
}

// Files returns the distinct files named by the manifest.
func (mf *Manifest) Files() []string {
	files := make([]string, len(mf.Replace))
	for i, e := range mf.Replace {
		files[i] = filepath.Clean(e.File)
	}
	files = bulk.MapKeysSlice(bulk.SliceToSet(files))
	slices.Sort(files)
	return files
}

// HookFactory creates the hook for a declared site.
type HookFactory func(desc HookDescriptor) Hook

// ManifestPlan is the result of building a manifest: directives grouped by file and a descriptor for every
// registered hook.
type ManifestPlan struct {
	Files map[string][]*ReplaceDirective
	Hooks []HookDescriptor
}

// Build registers the hooks of every entry in registry and returns the directives to splice. Names are
// resolved through hooks.
func (mf *Manifest) Build(registry Registry, hooks map[string]HookFactory) (*ManifestPlan, error) {
	builder := NewFragmentBuilder(registry, mf.Accessor)
	plan := &ManifestPlan{Files: make(map[string][]*ReplaceDirective)}
	for i, e := range mf.Replace {
		kind, err := ParseSelectorKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: replace[%d]: %w", ErrManifestInvalid, i, err)
		}
		inj := NewInjection(builder)
		declare := func(phase string, names []string, declFn func(Hook) (*HookStatement, error)) error {
			for _, name := range names {
				factory, ok := hooks[name]
				if !ok {
					return fmt.Errorf("%w: replace[%d]: %q", ErrUnknownHookName, i, name)
				}
				// the factory needs the handle, which is only known once the hook is registered
				var impl Hook
				stmt, err := declFn(func(args ...any) error {
					return impl(args...)
				})
				if err != nil {
					return fmt.Errorf("replace[%d] %s hook %q: %w", i, phase, name, err)
				}
				desc := HookDescriptor{Handle: stmt.Handle, Name: name, Target: e.From, Phase: phase}
				impl = factory(desc)
				plan.Hooks = append(plan.Hooks, desc)
			}
			return nil
		}
		if err := declare(phaseBefore, e.Before, inj.DeclareBefore); err != nil {
			return nil, err
		} else if err := declare(phaseAfter, e.After, inj.DeclareAfter); err != nil {
			return nil, err
		}
		inj.Replace(kind, e.From, e.To)

		file := filepath.Clean(e.File)
		plan.Files[file] = append(plan.Files[file], inj.Directives()...)
	}
	return plan, nil
}

// HookCounter is the state behind the count hook.
type HookCounter struct {
	mu     sync.Mutex
	counts map[Handle]int
}

// Counts returns a copy of the current counts.
func (c *HookCounter) Counts() map[Handle]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make(map[Handle]int, len(c.counts))
	for h, n := range c.counts {
		result[h] = n
	}
	return result
}

func (c *HookCounter) increment(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[Handle]int)
	}
	c.counts[h]++
}

// BuiltinHooks returns the hook set understood by manifests, with counter backing the count hook.
func BuiltinHooks(counter *HookCounter) map[string]HookFactory {
	return map[string]HookFactory{
		HookNameLog: func(desc HookDescriptor) Hook {
			return func(args ...any) error {
				log.Printf("Hook %d %s %s%v", desc.Handle, desc.Phase, desc.Target, args)
				return nil
			}
		},
		HookNameJournal: func(HookDescriptor) Hook {
			return func(...any) error {
				return nil
			}
		},
		HookNameCount: func(desc HookDescriptor) Hook {
			return func(...any) error {
				counter.increment(desc.Handle)
				return nil
			}
		},
	}
}
