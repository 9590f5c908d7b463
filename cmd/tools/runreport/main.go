// runreport renders an archived run's per-step metrics as a standalone
// HTML page: atom numbers, transition probabilities and the cloud
// temperature against the step index.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/coldlab-data/fountain/internal/store"
)

var (
	runDir = flag.String("run", "", "Path to the archived run directory")
	out    = flag.String("out", "report.html", "Output HTML path")
)

func stepLabels(recs []store.StepRecord) []string {
	x := make([]string, len(recs))
	for i, rec := range recs {
		x[i] = fmt.Sprintf("%d", rec.Index)
	}
	return x
}

func atomChart(recs []store.StepRecord) *charts.Line {
	nF2 := make([]opts.LineData, len(recs))
	nF1 := make([]opts.LineData, len(recs))
	for i, rec := range recs {
		nF2[i] = opts.LineData{Value: rec.Derived.NF2}
		nF1[i] = opts.LineData{Value: rec.Derived.NF1}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Atom numbers"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "step"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "atoms"}),
	)
	line.SetXAxis(stepLabels(recs)).
		AddSeries("N(F=2)", nF2).
		AddSeries("N(F=1)", nF1)
	return line
}

func probabilityChart(recs []store.StepRecord) *charts.Scatter {
	var data []opts.ScatterData
	for _, rec := range recs {
		if rec.Derived.PF2 == nil {
			continue
		}
		data = append(data, opts.ScatterData{Value: []interface{}{rec.Index, *rec.Derived.PF2}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Transition probability", Subtitle: "rejected steps omitted"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "step"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "P(F=2) %", Min: 0, Max: 100}),
	)
	scatter.AddSeries("P(F=2)", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	return scatter
}

func temperatureChart(recs []store.StepRecord) *charts.Line {
	var x []string
	var data []opts.LineData
	for _, rec := range recs {
		if rec.Derived.TemperatureUK == nil {
			continue
		}
		x = append(x, fmt.Sprintf("%d", rec.Index))
		data = append(data, opts.LineData{Value: *rec.Derived.TemperatureUK})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Cloud temperature"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "step"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "uK"}),
	)
	line.SetXAxis(x).AddSeries("temperature", data)
	return line
}

func main() {
	flag.Parse()
	if *runDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	recs, err := store.ReadResults(*runDir)
	if err != nil {
		log.Fatalf("failed to read results: %v", err)
	}

	page := components.NewPage()
	page.PageTitle = filepath.Base(*runDir)
	page.AddCharts(
		atomChart(recs),
		probabilityChart(recs),
		temperatureChart(recs),
	)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("failed to create output: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote %s (%d steps)", *out, len(recs))
}
