package inject

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHookPort is the port of the hook server when none is configured.
	DefaultHookPort   = 8449
	hookServerHost    = "127.0.0.1"
	stopServerTimeout = 20 * time.Second
)

// Config holds settings and state for an InjectionEngine.
type Config struct {
	ProjectDir, ManifestFile         string
	HookPort, CacheMB, MaxArgLen     int
	RunCommand                       string
	DiffOnly, Keep                   bool
	JournalFile                      string
	ReportJsonFile, ReportChartsFile string
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string
	// Computed fields
	AbsProjDir string
	Module     ModuleInfo
	// Internal state tracking
	prepared bool
}

// StorageProvider creates the storage backing the invocation journal.
type StorageProvider interface {
	NewStorage() (Storage, error)
}

// ReportWriter writes the result of a run.
type ReportWriter interface {
	WriteReportFiles(jsonPath, chartPath string, report *HookReport) error
}

// DefaultStorageProvider opens a Badger store in a temporary directory, or a memory store when CacheMB is 0.
type DefaultStorageProvider struct {
	Path    string
	CacheMB int
}

func (d *DefaultStorageProvider) NewStorage() (Storage, error) {
	if d.CacheMB <= 0 {
		return NewMemStorage(), nil
	}
	path := d.Path
	if path == "" {
		path = filepath.Join(os.TempDir(),
			fmt.Sprintf("inject_journal-%d-%s", os.Getpid(), strconv.FormatInt(time.Now().UnixNano(), 16)))
	}
	return NewBadgerStorage(path, d.CacheMB)
}

// DefaultReportWriter writes the JSON summary and chart.
type DefaultReportWriter struct{}

func (d *DefaultReportWriter) WriteReportFiles(jsonPath, chartPath string, report *HookReport) error {
	if err := report.WriteToFile(jsonPath); err != nil {
		return err
	} else if chartPath == "" {
		return nil
	} else if len(report.Hooks) == 0 {
		log.Printf("No hooks declared, skipping chart")
		return nil
	}
	return writeReportCharts(chartPath, report)
}

// InjectionEngine splices the hooks declared in a manifest into a project, runs a command against the
// modified project, and reports the hook invocations.
type InjectionEngine struct {
	Config          *Config
	Registry        Registry
	Hooks           map[string]HookFactory
	Counter         *HookCounter
	Modifier        *ASTModifier
	StorageProvider StorageProvider
	ReportWriter    ReportWriter
	// DiffOutput receives the diffs of a DiffOnly run.
	DiffOutput io.Writer
}

// NewInjectionEngine creates an InjectionEngine with the built-in hooks and default providers.
func NewInjectionEngine(config *Config) *InjectionEngine {
	counter := &HookCounter{}
	return &InjectionEngine{
		Config:          config,
		Registry:        NewRegistry(),
		Hooks:           BuiltinHooks(counter),
		Counter:         counter,
		Modifier:        &ASTModifier{},
		StorageProvider: &DefaultStorageProvider{CacheMB: config.CacheMB},
		ReportWriter:    &DefaultReportWriter{},
		DiffOutput:      os.Stdout,
	}
}

// Run executes the injection workflow.
func (e *InjectionEngine) Run(ctx context.Context) (err error) {
	startTime := time.Now()
	if err := e.Config.Prepare(); err != nil {
		return err
	}

	manifest, err := LoadManifest(e.Config.ManifestFile)
	if err != nil {
		return err
	}
	plan, err := manifest.Build(e.Registry, e.Hooks)
	if err != nil {
		return err
	}
	files, err := e.resolvePlanFiles(plan)
	if err != nil {
		return err
	}
	log.Printf("Manifest declares %d hooks across %d files", len(plan.Hooks), len(files))

	if e.Config.DiffOnly {
		if _, err := e.spliceFiles(ctx, plan, files); err != nil {
			return err
		}
		return e.writeDiffs(files)
	}

	store, err := e.StorageProvider.NewStorage()
	if err != nil {
		return fmt.Errorf("journal storage failure: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("%sFailed to close journal storage: %v", ErrorLogPrefix, err)
		}
	}()
	journal := NewJournal(store, e.Config.MaxArgLen)
	for _, desc := range plan.Hooks {
		journal.Describe(desc)
	}

	srv, err := HookServerStart(hookServerHost, e.Config.HookPort, e.Registry, journal)
	if err != nil {
		return err
	}
	serverStopped := false
	defer func() {
		if !serverStopped {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopServerTimeout)
			defer cancel()
			_ = srv.Stop(stopCtx)
		}
	}()

	if !e.Config.Keep {
		defer func() {
			for _, restoreErr := range e.Modifier.Restore() {
				log.Printf("%sRestore failure: %v", ErrorLogPrefix, restoreErr)
				err = errors.Join(err, restoreErr)
			}
		}()
	}
	if manifest.Accessor == "" || manifest.Accessor == ClientAccessor {
		for _, dir := range packageDirs(files) {
			if err := e.Modifier.InjectHookClient(dir, srv.Port()); err != nil {
				return fmt.Errorf("hook client injection failure %s: %w", dir, err)
			}
		}
	}
	sites, err := e.spliceFiles(ctx, plan, files)
	if err != nil {
		return err
	} else if err := e.Modifier.Commit(); err != nil {
		return err
	}
	log.Printf("Spliced hooks into %d declarations", sites)

	var runErr error
	if e.Config.RunCommand != "" {
		log.Printf("Running: %s", e.Config.RunCommand)
		cmd := NewProjectLoggedExec(ctx, e.Config.AbsProjDir, HookEnv(srv.Port()), "sh", "-c", e.Config.RunCommand)
		if runErr = cmd.Run(); runErr != nil {
			runErr = fmt.Errorf("run command failed: %w", runErr)
			log.Printf("%s%v", ErrorLogPrefix, runErr)
		}
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopServerTimeout)
	defer cancel()
	serverStopped = true
	if err := srv.Stop(stopCtx); err != nil {
		log.Printf("%sHook server stop failure: %v", ErrorLogPrefix, err)
	}
	log.Printf("Hook server handled %d invocations", srv.InvocationCount())
	for h, n := range e.Counter.Counts() {
		log.Printf("Hook %d counted %d calls", h, n)
	}

	if e.Config.JournalFile != "" {
		if err := exportJournalFile(journal, e.Config.JournalFile); err != nil {
			return errors.Join(runErr, err)
		}
	}
	counts, err := journal.Counts()
	if err != nil {
		return errors.Join(runErr, err)
	}
	report := BuildHookReport(startTime, e.Config.Module.Path, plan.Hooks, counts)
	report.SiteCount = sites
	if err := e.ReportWriter.WriteReportFiles(e.Config.ReportJsonFile, e.Config.ReportChartsFile, report); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// resolvePlanFiles maps the files of plan to absolute paths inside the project.
func (e *InjectionEngine) resolvePlanFiles(plan *ManifestPlan) (map[string]string, error) {
	files := make(map[string]string, len(plan.Files))
	for rel := range plan.Files {
		abs := filepath.Join(e.Config.AbsProjDir, rel)
		if within, err := fileWithinDir(abs, e.Config.AbsProjDir); err != nil {
			return nil, err
		} else if !within {
			return nil, fmt.Errorf("%w: %s is outside the project", ErrManifestInvalid, rel)
		} else if !FileExists(abs) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrManifestInvalid, rel)
		}
		files[rel] = abs
	}
	return files, nil
}

func packageDirs(files map[string]string) []string {
	dirs := make(map[string]bool)
	for _, abs := range files {
		dirs[filepath.Dir(abs)] = true
	}
	result := make([]string, 0, len(dirs))
	for d := range dirs {
		result = append(result, d)
	}
	slices.Sort(result)
	return result
}

func (e *InjectionEngine) spliceFiles(ctx context.Context, plan *ManifestPlan, files map[string]string) (int, error) {
	splicer := NewSplicer()
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	results := make(chan int, len(files))
	for rel, abs := range files {
		directives := plan.Files[rel]
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var total int
			for _, d := range directives { // one at a time so a skipped declaration does not stop the rest
				n, err := e.Modifier.ApplyFile(abs, splicer, d)
				if IsNormalInjectError(err) {
					log.Printf("Skipping %s in %s: %v", d, rel, err)
					continue
				} else if err != nil {
					return err
				}
				total += n
			}
			results <- total
			return nil
		})
	}
	err := eg.Wait()
	close(results)
	var sites int
	for n := range results {
		sites += n
	}
	return sites, err
}

func (e *InjectionEngine) writeDiffs(files map[string]string) error {
	paths := make([]string, 0, len(files))
	for _, abs := range files {
		paths = append(paths, abs)
	}
	slices.Sort(paths)
	for _, path := range paths {
		diff, err := e.Modifier.Diff(path)
		if err != nil {
			return err
		} else if _, err := io.WriteString(e.DiffOutput, diff); err != nil {
			return err
		}
	}
	return nil
}

func exportJournalFile(journal *Journal, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create journal file failed: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := journal.Export(f, CodecZstd); err != nil {
		return fmt.Errorf("export journal failed: %w", err)
	}
	log.Println("Journal file wrote: " + path)
	return nil
}

// Prepare performs validation and preparation of the configuration.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.ProjectDir == "" {
		return errors.New("project directory is required")
	} else if c.ManifestFile == "" {
		return errors.New("manifest file is required")
	}

	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	}
	c.AbsProjDir = absProjDir
	if err := c.validateFilePath(c.ManifestFile); err != nil {
		return fmt.Errorf("invalid manifest file: %w", err)
	}

	c.Module, err = ReadModuleInfo(c.AbsProjDir)
	if err != nil {
		return err
	} else if IsGoVersionBelowMinimum(c.Module.GoVersion) {
		return fmt.Errorf("project go version %s is below the minimum %s", c.Module.GoVersion, MinGoVersion)
	}

	if c.HookPort != 0 && (c.HookPort < 1024 || c.HookPort > 65535) {
		return fmt.Errorf("hook port must be 0 or between 1024 and 65535, got %d", c.HookPort)
	} else if c.CacheMB < 0 || c.CacheMB > 10240 { // 10GB limit
		return fmt.Errorf("cache size must be between 0 and 10240 MB, got %d", c.CacheMB)
	} else if c.MaxArgLen < 0 || c.MaxArgLen > 1048576 { // 1MB limit
		return fmt.Errorf("max argument length must be between 0 and 1048576, got %d", c.MaxArgLen)
	}

	for _, out := range []struct{ name, path string }{
		{"JSON report", c.ReportJsonFile},
		{"charts report", c.ReportChartsFile},
		{"journal", c.JournalFile},
	} {
		if out.path == "" {
			continue
		} else if err := c.validateOutputPath(out.path); err != nil {
			return fmt.Errorf("invalid %s file path: %w", out.name, err)
		}
	}

	c.prepared = true
	return nil
}

// validateFilePath validates that a file path exists and is readable
func (c *Config) validateFilePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist or is not accessible: %w", err)
	} else if info.IsDir() {
		return errors.New("path is a directory")
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	return file.Close()
}

// validateOutputPath validates that an output file path can be written to
func (c *Config) validateOutputPath(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}
