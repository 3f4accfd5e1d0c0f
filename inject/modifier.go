package inject

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/sync/errgroup"
)

const injectedFilenamePrefix = "zz_inject_"

// the hook client is written into target packages from these sources
//
//go:embed hookclient.go
//go:embed hookapi.go
var clientFS embed.FS
var injectFileLock = newDefaultStripedMutex()

// ASTModifier applies splices to source files. Each file is parsed once and kept until it is committed, so
// multiple directives against one file produce a single rewrite.
type ASTModifier struct {
	spliceLock     sync.Mutex // hook statements are shared between sites, splicing is serialized
	cleanupLock    sync.Mutex
	cleanupActions []func() error
	fileNodeMap    sync.Map
	commitLock     sync.Mutex
	commitActions  map[string]func(*bytes.Buffer) error
}

type parsedFile struct {
	fset *token.FileSet
	file *ast.File
}

// ApplyFile splices directives into the file at path and returns the number of declarations changed. The
// edit is held in memory until CommitFile or Commit.
func (m *ASTModifier) ApplyFile(path string, splicer *Splicer, directives ...*ReplaceDirective) (int, error) {
	lock := injectFileLock.Lock(path)
	defer lock.Unlock()

	fset, fileNode, err := m.loadParsedFileNode(path)
	if err != nil {
		return 0, err
	}

	m.spliceLock.Lock()
	changed, err := splicer.Apply(fset, fileNode, directives...)
	m.spliceLock.Unlock()
	if changed > 0 {
		m.addCommitAction(path, fset, fileNode)
	}
	if err != nil {
		return changed, fmt.Errorf("splice %s: %w", path, err)
	}
	return changed, nil
}

// loadParsedFileNode provides the currently parsed file.
// The file lock must be held until changes to the node are done.
func (m *ASTModifier) loadParsedFileNode(path string) (*token.FileSet, *ast.File, error) {
	if pf, ok := m.fileNodeMap.Load(path); ok {
		return pf.(*parsedFile).fset, pf.(*parsedFile).file, nil
	}

	fset := token.NewFileSet()
	fileNode, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, nil, fmt.Errorf("ast parse failure %s: %w", path, err)
	}
	m.fileNodeMap.Store(path, &parsedFile{fset: fset, file: fileNode})
	return fset, fileNode, nil
}

func (m *ASTModifier) addCommitAction(path string, fset *token.FileSet, fileNode *ast.File) {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	if m.commitActions == nil {
		m.commitActions = make(map[string]func(*bytes.Buffer) error)
	}
	m.commitActions[path] = func(buf *bytes.Buffer) error {
		buf.Reset()
		if err := format.Node(buf, fset, fileNode); err != nil {
			return fmt.Errorf("ast format failure %s: %w", path, err)
		} else if err := m.backupOrigFile(path); err != nil {
			return err
		} else if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("ast write failure %s: %w", path, err)
		}
		return nil
	}
}

// Pending returns true if the file has edits that have not been committed.
func (m *ASTModifier) Pending(path string) bool {
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	_, ok := m.commitActions[path]
	return ok
}

// Diff returns a unified diff of the pending edit of path against the file on disk, or an empty string when
// nothing is pending.
func (m *ASTModifier) Diff(path string) (string, error) {
	lock := injectFileLock.Lock(path)
	defer lock.Unlock()

	pf, ok := m.fileNodeMap.Load(path)
	if !ok || !m.Pending(path) {
		return "", nil
	}
	var buf bytes.Buffer
	if err := format.Node(&buf, pf.(*parsedFile).fset, pf.(*parsedFile).file); err != nil {
		return "", fmt.Errorf("ast format failure %s: %w", path, err)
	}
	orig, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(orig)),
		B:        difflib.SplitLines(buf.String()),
		FromFile: path,
		ToFile:   path + " (injected)",
		Context:  3,
	})
}

// CommitFile writes pending edits for a single file.
func (m *ASTModifier) CommitFile(path string) error {
	lock := injectFileLock.Lock(path)
	defer lock.Unlock()

	m.commitLock.Lock()
	action, ok := m.commitActions[path]
	delete(m.commitActions, path)
	m.commitLock.Unlock()
	m.fileNodeMap.Delete(path)
	if !ok {
		return nil
	}
	var buf bytes.Buffer
	return action(&buf)
}

// Commit flushes all pending edits to disk.
func (m *ASTModifier) Commit() error {
	writeCount := runtime.NumCPU()
	bufChan := make(chan *bytes.Buffer, writeCount)
	for i := 0; i < writeCount; i++ {
		bufChan <- bytes.NewBuffer(nil)
	}
	var errGroup errgroup.Group
	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	for _, action := range m.commitActions {
		buf := <-bufChan
		errGroup.Go(func() error {
			defer func() {
				bufChan <- buf
			}()
			return action(buf)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}
	m.commitActions = nil
	m.fileNodeMap.Clear()
	return nil
}

// Restore returns modified files to their original state and removes written hook clients.
func (m *ASTModifier) Restore() (result []error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	for _, f := range m.cleanupActions {
		if err := f(); err != nil {
			result = append(result, err)
		}
	}
	m.cleanupActions = m.cleanupActions[:0]
	return
}

func (m *ASTModifier) addCleanupAction(f func() error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	m.cleanupActions = append(m.cleanupActions, f)
}

// backupOrigFile copies the file to a .bkp file if one does not already exist.
func (m *ASTModifier) backupOrigFile(path string) error {
	bkpFile := path + ".bkp"
	if !FileExists(bkpFile) {
		if err := CopyFile(path, bkpFile); err != nil {
			return fmt.Errorf("ast backup failure: %w", err)
		}
		m.addCleanupAction(func() error {
			return replaceFile(bkpFile, path)
		})
	}
	return nil
}

// InjectHookClient writes the hook client into the package in pkgDir, configured for a server on port.
// Packages that already hold a client are left as is.
func (m *ASTModifier) InjectHookClient(pkgDir string, port int) error {
	if matches, _ := filepath.Glob(filepath.Join(pkgDir, injectedFilenamePrefix+"*_gen.go")); len(matches) > 0 {
		return nil
	}
	pkgName, err := detectPackageName(pkgDir)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	var written []string
	for _, tmpl := range []struct {
		src, dst string
		consts   map[string]string
	}{
		{src: "hookclient.go", dst: "client", consts: map[string]string{"injectHookServerPort": strconv.Itoa(port)}},
		{src: "hookapi.go", dst: "api"},
	} {
		src, err := clientFS.ReadFile(tmpl.src)
		if err != nil {
			return fmt.Errorf("load embedded %s: %w", tmpl.src, err)
		}
		txt, err := rewriteClientTemplate(&buf, src, pkgName, tmpl.consts)
		if err != nil {
			return fmt.Errorf("rewrite %s failure: %w", tmpl.src, err)
		}
		dst := filepath.Join(pkgDir, injectedFilenamePrefix+tmpl.dst+"_gen.go")
		if err := os.WriteFile(dst, txt, 0o644); err != nil {
			return errors.Join(err, removeFiles(written))
		}
		written = append(written, dst)
	}
	m.addCleanupAction(func() error {
		return removeFiles(written)
	})
	return nil
}

func removeFiles(paths []string) error {
	var errs []error
	for _, p := range paths {
		errs = append(errs, os.Remove(p))
	}
	return errors.Join(errs...)
}

// rewriteClientTemplate sets the package name and constant values of a client source file.
func rewriteClientTemplate(buf *bytes.Buffer, src []byte, newPkg string, constants map[string]string) ([]byte, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", src, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	file.Name = ast.NewIdent(newPkg)
	updateConstLiterals(file, constants)

	buf.Reset()
	if err := format.Node(buf, fset, file); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// updateConstLiterals replaces the integer value of every named const or var in values.
func updateConstLiterals(f *ast.File, values map[string]string) {
	if len(values) == 0 {
		return
	}
	for _, decl := range f.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || (genDecl.Tok != token.CONST && genDecl.Tok != token.VAR) {
			continue
		}
		for _, spec := range genDecl.Specs {
			vspec := spec.(*ast.ValueSpec)
			for i, ident := range vspec.Names {
				v, ok := values[ident.Name]
				if !ok {
					continue
				}
				for len(vspec.Values) <= i {
					vspec.Values = append(vspec.Values, nil)
				}
				vspec.Values[i] = &ast.BasicLit{Kind: token.INT, Value: v}
			}
		}
	}
}
