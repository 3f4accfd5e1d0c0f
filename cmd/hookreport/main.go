package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/PatchLens/go-method-injector/inject"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	journalFile := flag.String("journal", "", "Journal export to build the report from")
	reportJsonFile := flag.String("json", "hookreport.json", "Hook summary to render when no journal is given")
	reportChartsFile := flag.String("charts", "hookreport.png", "File to output the hook invocation chart image")
	flag.Parse()

	var report *inject.HookReport
	if *journalFile != "" {
		f, err := os.Open(*journalFile)
		if err != nil {
			log.Fatalf("%sFailed to open journal: %v", inject.ErrorLogPrefix, err)
		}
		export, err := inject.ReadJournalExport(f)
		_ = f.Close()
		if err != nil {
			log.Fatalf("%sFailed to read journal: %v", inject.ErrorLogPrefix, err)
		}
		report = inject.BuildHookReportFromExport(export)
	} else {
		data, err := os.ReadFile(*reportJsonFile)
		if err != nil {
			log.Fatalf("%sFailed to read hook report: %v", inject.ErrorLogPrefix, err)
		}
		report = &inject.HookReport{}
		if err := json.Unmarshal(data, report); err != nil {
			log.Fatalf("%sFailed to unmarshal hook report: %v", inject.ErrorLogPrefix, err)
		}
	}

	outputType, err := inject.ChartOutputType(*reportChartsFile)
	if err != nil {
		log.Fatalf("%s%v", inject.ErrorLogPrefix, err)
	}
	chart, err := inject.RenderHookChart(report, outputType)
	if err != nil {
		log.Fatalf("%sFailed to render chart: %v", inject.ErrorLogPrefix, err)
	}
	if err = os.WriteFile(*reportChartsFile, chart, 0644); err != nil {
		log.Fatalf("%sFailed to write chart file: %v", inject.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
