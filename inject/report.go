package inject

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
)

const chartMaxHooks = 40

// HookReport summarizes the hooks of a run and how often each was invoked.
type HookReport struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	RunDuration      int64             `json:"run_ms"`
	Module           string            `json:"module,omitempty"`
	SiteCount        int               `json:"site_count"`
	TotalInvocations int               `json:"total_invocations"`
	Hooks            []HookReportEntry `json:"hooks"`
}

// HookReportEntry is the invocation count of a single registered hook.
type HookReportEntry struct {
	Handle Handle `json:"handle"`
	Name   string `json:"name"`
	Target string `json:"target"`
	Phase  string `json:"phase"`
	Count  int    `json:"count"`
}

// Label returns the short form used in charts.
func (e HookReportEntry) Label() string {
	return e.Target + " " + e.Phase + " " + e.Name
}

// BuildHookReport creates a report from the described hooks and their invocation counts. Counts for handles
// without a descriptor are reported under an unnamed entry so no invocation is dropped.
func BuildHookReport(startTime time.Time, module string, hooks []HookDescriptor, counts map[Handle]int) *HookReport {
	report := &HookReport{
		GeneratedAt: startTime,
		RunDuration: time.Since(startTime).Milliseconds(),
		Module:      module,
		Hooks:       make([]HookReportEntry, 0, len(hooks)),
	}
	described := make(map[Handle]bool, len(hooks))
	for _, h := range hooks {
		described[h.Handle] = true
		report.Hooks = append(report.Hooks, HookReportEntry{
			Handle: h.Handle,
			Name:   h.Name,
			Target: h.Target,
			Phase:  h.Phase,
			Count:  counts[h.Handle],
		})
	}
	for h, n := range counts {
		if !described[h] {
			report.Hooks = append(report.Hooks, HookReportEntry{Handle: h, Name: "#" + strconv.Itoa(int(h)), Count: n})
		}
	}
	slices.SortFunc(report.Hooks, func(a, b HookReportEntry) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	for _, e := range report.Hooks {
		report.TotalInvocations += e.Count
	}
	return report
}

// BuildHookReportFromExport creates a report from a journal export.
func BuildHookReportFromExport(export *JournalExport) *HookReport {
	report := BuildHookReport(time.Now(), "", export.Hooks, export.Counts())
	report.RunDuration = 0
	return report
}

// TargetCounts sums invocations per target declaration.
func (r *HookReport) TargetCounts() map[string]int {
	result := make(map[string]int)
	for target, entries := range bulk.SliceToGroupsBy(func(e HookReportEntry) string {
		return e.Target
	}, r.Hooks) {
		for _, e := range entries {
			result[target] += e.Count
		}
	}
	return result
}

// WriteToFile writes the report as indented JSON. An empty path is ignored.
func (r *HookReport) WriteToFile(path string) error {
	if path == "" {
		return nil
	}
	encoded, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	} else if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// ChartOutputType returns the charts output format for a file name.
func ChartOutputType(path string) (string, error) {
	switch ext := strings.ToLower(path); {
	case strings.HasSuffix(ext, ".png"):
		return charts.ChartOutputPNG, nil
	case strings.HasSuffix(ext, ".jpg"), strings.HasSuffix(ext, ".jpeg"):
		return charts.ChartOutputJPG, nil
	case strings.HasSuffix(ext, ".svg"):
		return charts.ChartOutputSVG, nil
	default:
		return "", fmt.Errorf("unhandled chart file type: %s", path)
	}
}

func writeReportCharts(path string, report *HookReport) error {
	outputType, err := ChartOutputType(path)
	if err != nil {
		return err
	}
	if buf, err := RenderHookChart(report, outputType); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderHookChart renders the invocation count of each hook as a horizontal bar chart. When there are more
// hooks than fit, the most invoked are shown.
func RenderHookChart(report *HookReport, outputType string) ([]byte, error) {
	if len(report.Hooks) == 0 {
		return nil, fmt.Errorf("no hooks to chart")
	}
	entries := slices.Clone(report.Hooks)
	if len(entries) > chartMaxHooks {
		slices.SortStableFunc(entries, func(a, b HookReportEntry) int {
			return cmp.Compare(b.Count, a.Count)
		})
		entries = entries[:chartMaxHooks]
		slices.SortFunc(entries, func(a, b HookReportEntry) int {
			return cmp.Compare(a.Handle, b.Handle)
		})
	}

	values := make([]float64, len(entries))
	labels := make([]string, len(entries))
	var maxCount int
	for i, e := range entries {
		values[i] = float64(e.Count)
		labels[i] = e.Label()
		maxCount = max(maxCount, e.Count)
	}

	opt := charts.NewHorizontalBarChartOptionWithData([][]float64{values})
	opt.Title.Text = "Hook invocations"
	if report.Module != "" {
		opt.Title.Text += ": " + report.Module
	}
	opt.YAxis.Labels = labels
	opt.XAxis.Unit = axisUnitForMax(maxCount)
	opt.SeriesList[0].Label.Show = charts.Ptr(true)
	opt.SeriesList[0].Label.ValueFormatter = func(f float64) string {
		return charts.FormatValueHumanize(f, 0, false)
	}

	p := charts.NewPainter(charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       max(320, 120+len(entries)*28),
	})
	if err := p.HorizontalBarChart(opt); err != nil {
		return nil, err
	}
	return p.Bytes()
}

func axisUnitForMax(val int) float64 {
	switch {
	case val >= 8000:
		return 2000
	case val > 2000:
		return 1000
	case val >= 800:
		return 200
	case val > 200:
		return 100
	case val >= 80:
		return 20
	case val > 20:
		return 10
	case val >= 10:
		return 2
	default:
		return 1
	}
}
