package cmd

import (
	"errors"
	"flag"
	"strconv"

	"github.com/PatchLens/go-method-injector/inject"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds Config from standard and custom flags.
func ParseFlags(customFlags []CustomFlag) (*inject.Config, error) {
	config := &inject.Config{CustomFlags: make(map[string]string)}

	// Define all standard flags
	projectDir := flag.String("project", "", "Path to the project directory")
	manifestFile := flag.String("manifest", "", "Path to the TOML hook manifest")
	hookPort := flag.Int("hookport", inject.DefaultHookPort, "Port to bind to for hook invocations, 0 selects a free port")
	runCommand := flag.String("run", "", "Command run in the project directory once hooks are spliced (e.g. \"go test ./...\")")
	diffOnly := flag.Bool("diff", false, "Print the spliced changes as a unified diff without writing files")
	keep := flag.Bool("keep", false, "Keep the spliced sources instead of restoring the originals")
	journalFile := flag.String("journal", "", "File to export the invocation journal to")
	reportJsonFile := flag.String("json", "hookreport.json", "File to output the hook invocation summary")
	reportChartsFile := flag.String("charts", "hookreport.png", "File to output the hook invocation chart image")
	cacheMB := flag.Int("cachemb", 64, "Journal cache memory budget in MB, 0 keeps the journal in memory")
	maxArgLen := flag.Int("maxarglen", 1024, "Argument values longer than this are journaled as a hash, 0 disables")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	// Validate standard flags
	if *projectDir == "" || *manifestFile == "" {
		return nil, errors.New("usage: -project ../foo -manifest hooks.toml [-run \"go test ./...\"]\ndiff usage: -project ../foo -manifest hooks.toml -diff")
	} else if *diffOnly && *keep {
		return nil, errors.New("-diff and -keep are mutually exclusive")
	}

	// Populate config
	config.ProjectDir = *projectDir
	config.ManifestFile = *manifestFile
	config.HookPort = *hookPort
	config.RunCommand = *runCommand
	config.DiffOnly = *diffOnly
	config.Keep = *keep
	config.JournalFile = *journalFile
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.CacheMB = *cacheMB
	config.MaxArgLen = *maxArgLen

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	return config, nil
}
