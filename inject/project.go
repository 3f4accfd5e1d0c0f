package inject

import (
	"fmt"
	"go/build"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-analyze/bulk"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
)

// MinGoVersion defines the minimum Go version of a project receiving the hook client.
const MinGoVersion = "1.13" // the client uses %w wrapping and the 1.13 number literal rules

// ModuleInfo describes the module of a project.
type ModuleInfo struct {
	Path      string
	GoVersion string
	Dir       string
}

// ReadModuleInfo reads the go.mod file in projectDir.
func ReadModuleInfo(projectDir string) (ModuleInfo, error) {
	gomodPath := filepath.Join(projectDir, "go.mod")
	data, err := os.ReadFile(gomodPath)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("read %s failed: %w", gomodPath, err)
	}
	mf, err := modfile.ParseLax(gomodPath, data, nil)
	if err != nil {
		return ModuleInfo{}, fmt.Errorf("parse %s failed: %w", gomodPath, err)
	} else if mf.Module == nil {
		return ModuleInfo{}, fmt.Errorf("%s has no module directive", gomodPath)
	}
	info := ModuleInfo{
		Path: mf.Module.Mod.Path,
		Dir:  projectDir,
	}
	if mf.Go != nil {
		info.GoVersion = mf.Go.Version
	}
	return info, nil
}

// IsGoVersionBelowMinimum returns true if goVersion is below MinGoVersion.
func IsGoVersionBelowMinimum(goVersion string) bool {
	if goVersion == "" {
		return false
	}
	return compareGoVersions(goVersion, MinGoVersion) < 0
}

// compareGoVersions compares go directive versions ("1.21", "1.21.3", "1.22rc1"). Pre-release suffixes sort
// before the release they precede.
func compareGoVersions(a, b string) int {
	return semver.Compare(goVersionSemver(a), goVersionSemver(b))
}

func goVersionSemver(v string) string {
	v = strings.TrimPrefix(v, "go")
	for _, pre := range []string{"rc", "beta"} {
		if i := strings.Index(v, pre); i > 0 {
			if strings.Count(v[:i], ".") == 1 {
				return "v" + v[:i] + ".0-" + v[i:]
			}
			return "v" + v[:i] + "-" + v[i:]
		}
	}
	return "v" + v
}

func makeFileFilter(dir string) func(fi fs.FileInfo) bool {
	return func(fi fs.FileInfo) bool {
		name := fi.Name()
		// test files may declare an external test package
		if strings.HasSuffix(name, "_test.go") {
			return false
		}
		match, err := build.Default.MatchFile(dir, name)
		return err == nil && match
	}
}

// detectPackageName returns the single non-test package declared in dir.
func detectPackageName(dir string) (string, error) {
	pkgs, err := parser.ParseDir(token.NewFileSet(), dir, makeFileFilter(dir), parser.PackageClauseOnly)
	if err != nil {
		return "", err
	} else if len(pkgs) == 0 {
		return "", fmt.Errorf("no non-test packages found in %s", dir)
	}
	pkgNames := bulk.MapKeysSlice(pkgs)
	if len(pkgNames) > 1 {
		return "", fmt.Errorf("multiple packages found in %s: %v", dir, pkgNames)
	}
	return pkgNames[0], nil
}
