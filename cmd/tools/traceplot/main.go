// traceplot renders the archived waveforms of a single step as a PNG:
// both detection channels against the time-of-flight axis, with the
// fitted Gaussians overlaid when the fit converged.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/coldlab-data/fountain/internal/config"
	"github.com/coldlab-data/fountain/internal/physics"
	"github.com/coldlab-data/fountain/internal/store"
)

var (
	runDir  = flag.String("run", "", "Path to the archived run directory")
	step    = flag.Int("step", 0, "Step index to plot")
	out     = flag.String("out", "", "Output PNG path (default step_NNNN.png)")
	detectZ = flag.Float64("z", 0, "Detection height in m; marks the predicted ballistic arrival")
)

func tracePoints(t, v []float64) plotter.XYs {
	pts := make(plotter.XYs, len(t))
	for i := range t {
		pts[i].X = t[i] * 1e3 // ms reads better on the axis
		pts[i].Y = v[i]
	}
	return pts
}

func fitPoints(t []float64, fit physics.FitResult) plotter.XYs {
	pts := make(plotter.XYs, len(t))
	for i := range t {
		pts[i].X = t[i] * 1e3
		pts[i].Y = physics.Gaussian(t[i], fit.Amplitude, fit.Center, fit.Sigma, fit.Baseline)
	}
	return pts
}

func addChannel(p *plot.Plot, name string, t, v []float64, c color.RGBA) error {
	line, err := plotter.NewLine(tracePoints(t, v))
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	line.Color = c
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

func addFit(p *plot.Plot, name string, t []float64, fit physics.FitResult, c color.RGBA) error {
	if !fit.Converged {
		return nil
	}
	line, err := plotter.NewLine(fitPoints(t, fit))
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	line.Color = c
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

// addArrivalMarker draws a vertical rule at the time the cloud is
// predicted to fall through the detection zone, using the launch velocity
// from the run's configuration snapshot.
func addArrivalMarker(p *plot.Plot, runDir string, z float64, wf store.Waveforms) error {
	cfg, err := config.Load(filepath.Join(runDir, "config.json"))
	if err != nil {
		return fmt.Errorf("load config snapshot: %w", err)
	}
	v := cfg.Constants().LaunchVelocity

	arrival, ok := physics.ArrivalTime(v, z, 1)
	if !ok {
		return fmt.Errorf("cloud launched at %.2f m/s never reaches %.2f m", v, z)
	}

	if len(wf.Up) == 0 {
		return fmt.Errorf("empty trace")
	}
	lo, hi := wf.Up[0], wf.Up[0]
	for _, y := range wf.Up {
		if y < lo {
			lo = y
		}
		if y > hi {
			hi = y
		}
	}
	line, err := plotter.NewLine(plotter.XYs{
		{X: arrival * 1e3, Y: lo},
		{X: arrival * 1e3, Y: hi},
	})
	if err != nil {
		return err
	}
	line.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
	line.Color = color.RGBA{R: 100, G: 100, B: 100, A: 255}
	p.Add(line)
	p.Legend.Add("predicted arrival", line)
	return nil
}

func main() {
	flag.Parse()
	if *runDir == "" {
		flag.Usage()
		os.Exit(2)
	}

	wf, err := store.ReadWaveforms(*runDir, *step)
	if err != nil {
		log.Fatalf("failed to read waveforms: %v", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("step %d", wf.Index)
	p.X.Label.Text = "time of flight (ms)"
	p.Y.Label.Text = "signal (V)"

	if err := addChannel(p, "F=2", wf.Time, wf.Up, color.RGBA{R: 200, A: 255}); err != nil {
		log.Fatal(err)
	}
	if err := addChannel(p, "F=1", wf.Time, wf.Dw, color.RGBA{B: 200, A: 255}); err != nil {
		log.Fatal(err)
	}

	// The fits are in the results file, not the waveform artifact.
	if recs, err := store.ReadResults(*runDir); err == nil {
		for _, rec := range recs {
			if rec.Index != wf.Index {
				continue
			}
			if err := addFit(p, "F=2 fit", wf.Time, rec.FitUp, color.RGBA{R: 120, A: 255}); err != nil {
				log.Fatal(err)
			}
			if err := addFit(p, "F=1 fit", wf.Time, rec.FitDw, color.RGBA{B: 120, A: 255}); err != nil {
				log.Fatal(err)
			}
		}
	}

	if *detectZ > 0 {
		if err := addArrivalMarker(p, *runDir, *detectZ, wf); err != nil {
			log.Printf("skipping arrival marker: %v", err)
		}
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("step_%04d.png", wf.Index)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	log.Printf("wrote %s", path)
}
