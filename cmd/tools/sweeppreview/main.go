// sweeppreview expands a sweep from the compact command-line axis syntax
// and prints the resolved step list, so an operator can check a sweep
// before committing the hardware to it.
//
//	sweeppreview -averages 2 'P0=1:4:3' 'Delay=318000 - sqrt(P0)'
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/coldlab-data/fountain/internal/sweep"
)

var (
	mode      = flag.String("mode", "cartesian", "Axis combination: cartesian or zipped")
	averages  = flag.Int("averages", 1, "Repeat the expanded list N times")
	randomize = flag.Bool("randomize", false, "Shuffle the expanded list")
	seed      = flag.Int64("seed", 0, "Shuffle seed")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: sweeppreview [flags] NAME=spec ...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	spec, err := sweep.ParseAxisArgs(flag.Args(), sweep.Mode(*mode))
	if err != nil {
		log.Fatalf("bad axis: %v", err)
	}
	spec.Averages = *averages
	spec.Randomize = *randomize
	spec.Seed = *seed

	steps, err := sweep.Expand(spec, nil)
	if err != nil {
		log.Fatalf("expansion failed: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	header := make([]string, 0, len(spec.Axes)+1)
	header = append(header, "step")
	for _, a := range spec.Axes {
		header = append(header, a.Name)
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))

	for i, st := range steps {
		row := make([]string, 0, len(st.Ordered)+1)
		row = append(row, fmt.Sprintf("%d", i))
		for _, v := range st.Ordered {
			row = append(row, fmt.Sprintf("%g", v))
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	fmt.Printf("%d steps\n", len(steps))
}
