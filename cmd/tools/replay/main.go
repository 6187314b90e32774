// Command replay runs a recorded sample file through the speed pipeline
// offline and reports the readings it would have produced. It is used to
// check tuning changes against captured walks and drives before they go
// onto a device.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/accelspeed/internal/config"
	"github.com/banshee-data/accelspeed/internal/db"
	"github.com/banshee-data/accelspeed/internal/ingest"
	"github.com/banshee-data/accelspeed/internal/motion"
	"github.com/banshee-data/accelspeed/internal/stats"
	"github.com/banshee-data/accelspeed/internal/units"
)

var (
	input      = flag.String("input", "", "Sample file to replay, one line per sample (required)")
	tuningPath = flag.String("tuning", "", "Tuning file (.json, .yaml or .yml); empty uses built-in defaults")
	unitFlag   = flag.String("units", units.MPS, "Output speed unit ("+units.GetValidUnitsString()+")")
	interval   = flag.Duration("interval", 150*time.Millisecond, "Stamp spacing for lines without their own timestamp")
	plotPath   = flag.String("plot", "", "Write a PNG of speed against time to this path")
	quiet      = flag.Bool("quiet", false, "Only print the summary")
)

// collector keeps every reading the handler accepts.
type collector struct {
	readings []db.SpeedReading
}

func (c *collector) RecordReading(r db.SpeedReading) error {
	c.readings = append(c.readings, r)
	return nil
}

// result is the outcome of one replay.
type result struct {
	Lines    int
	Failures int
	Readings []db.SpeedReading
	Stats    ingest.Stats
}

func main() {
	flag.Parse()
	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !units.IsValid(*unitFlag) {
		log.Fatalf("invalid units %q, expected one of: %s", *unitFlag, units.GetValidUnitsString())
	}
	unit := units.ParseUnit(*unitFlag)

	tuning := config.DefaultTuningConfig()
	if *tuningPath != "" {
		var err error
		if tuning, err = config.LoadTuningConfig(*tuningPath); err != nil {
			log.Fatalf("load tuning: %v", err)
		}
	}

	f, err := os.Open(*input)
	if err != nil {
		log.Fatalf("open input: %v", err)
	}
	defer f.Close()

	res, err := replay(context.Background(), f, tuning, *interval)
	if err != nil {
		log.Fatalf("replay %s: %v", *input, err)
	}
	report(os.Stdout, res, unit, !*quiet)

	if *plotPath != "" {
		if err := writePlot(*plotPath, res.Readings, unit); err != nil {
			log.Fatalf("write plot: %v", err)
		}
		log.Printf("wrote %s", *plotPath)
	}
}

// replay feeds r through a fresh pipeline built from tuning. Stamps for
// untimestamped lines start at zero.
func replay(ctx context.Context, r io.Reader, tuning *config.TuningConfig, interval time.Duration) (result, error) {
	pipeline, err := motion.NewPipeline(motion.ConfigFromTuning(tuning))
	if err != nil {
		return result{}, err
	}
	store := &collector{}
	h, err := ingest.NewHandler(ingest.HandlerConfig{
		Pipeline:  pipeline,
		SessionID: "replay",
		Store:     store,
	})
	if err != nil {
		return result{}, err
	}
	defer h.Close()

	lines, failures, err := ingest.ReplayLines(ctx, r, 0, interval, h)
	if err != nil {
		return result{}, err
	}
	return result{
		Lines:    lines,
		Failures: failures,
		Readings: store.readings,
		Stats:    h.Stats(),
	}, nil
}

func report(w io.Writer, res result, unit units.SpeedUnit, perReading bool) {
	if perReading {
		for _, r := range res.Readings {
			fmt.Fprintf(w, "%8d ms  %s\n", r.TimestampMs, units.FormatSpeed(float32(r.SpeedMPS), unit))
		}
	}
	speeds := make([]float64, len(res.Readings))
	for i, r := range res.Readings {
		speeds[i] = r.SpeedMPS
	}
	sum := stats.Summarise(speeds).Scale(float64(unit.Factor()))
	p := res.Stats.Pipeline
	fmt.Fprintf(w, "lines=%d failures=%d primed=%d accepted=%d debounced=%d out_of_order=%d\n",
		res.Lines, res.Failures, p.Primed, p.Accepted, p.Debounced, p.OutOfOrder)
	fmt.Fprintf(w, "readings=%d mean=%.2f max=%.2f p50=%.2f p85=%.2f p98=%.2f %s\n",
		sum.Count, sum.Mean, sum.Max, sum.P50, sum.P85, sum.P98, unit.Label())
}

// writePlot draws the smoothed speed of each reading against seconds since
// the first one.
func writePlot(path string, readings []db.SpeedReading, unit units.SpeedUnit) error {
	p := plot.New()
	p.Title.Text = "Replayed speed"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = fmt.Sprintf("Speed (%s)", unit.Label())

	if len(readings) > 0 {
		start := readings[0].TimestampMs
		pts := make(plotter.XYs, len(readings))
		for i, r := range readings {
			speed, _ := units.Convert(float32(r.SpeedMPS), unit)
			pts[i] = plotter.XY{
				X: float64(r.TimestampMs-start) / 1000,
				Y: float64(speed),
			}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Width = vg.Points(1)
		p.Add(line)
	}

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}
