package main

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/celskeggs/fabricmover/sim/fabric/stats"
)

func combineErrors(errors ...error) (err error) {
	for _, e := range errors {
		switch {
		case e == nil:
			// ignore
		case err == nil:
			err = e
		default:
			err = multierror.Append(err, e)
		}
	}
	return err
}

// OccupancyPlot draws one line per receiver ring: slots holding packets not yet completed, over time.
func OccupancyPlot(series []stats.Series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Receiver occupancy"
	p.X.Label.Text = "Time (us)"
	p.Y.Label.Text = "Slots in use"
	p.Legend.Top = true
	for i, s := range series {
		xys := make(plotter.XYs, len(s.Samples))
		for j, sample := range s.Samples {
			xys[j].X = float64(sample.At.Nanoseconds()) / 1000
			xys[j].Y = sample.Value
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i / len(plotutil.DefaultColors))
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}
	return p, nil
}

func WritePlot(p *plot.Plot, width, height vg.Length, output io.Writer, format string) error {
	w, err := p.WriterTo(width, height, format)
	if err != nil {
		return err
	}
	_, err = w.WriteTo(output)
	return err
}

func SavePlot(p *plot.Plot, width, height vg.Length, path string, format string) (err error) {
	output, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = combineErrors(err, output.Close())
	}()
	return WritePlot(p, width, height, output, format)
}
