package analyze

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/iti/trafgen/record"
	"golang.org/x/exp/slices"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// ErrNothingToPlot is returned when the input holds no series to draw
var ErrNothingToPlot = errors.New("nothing to plot")

// maxPlotPoints bounds the vertices of one drawn series. Raster output
// slows sharply as a single line grows, and a bottleneck queue changes
// depth hundreds of thousands of times in a minute.
const maxPlotPoints = 500

// thin reduces points, ordered by X, to at most limit+1. Points repeating the
// previous Y are dropped; if too many remain, each of limit/2 equal time bins
// keeps its lowest and highest point in time order. The first and last
// points always survive.
func thin(pts plotter.XYs, limit int) plotter.XYs {
	if len(pts) == 0 {
		return pts
	}
	kept := make(plotter.XYs, 0, len(pts))
	for idx, pt := range pts {
		if idx > 0 && idx < len(pts)-1 && pt.Y == kept[len(kept)-1].Y {
			continue
		}
		kept = append(kept, pt)
	}
	if len(kept) <= limit {
		return kept
	}

	bins := max(limit/2, 1)
	first, last := kept[0].X, kept[len(kept)-1].X
	width := (last - first) / float64(bins)
	binOf := func(x float64) int {
		if !(width > 0) {
			return 0
		}
		return min(max(int((x-first)/width), 0), bins-1)
	}

	thinned := make(plotter.XYs, 0, limit+1)
	for start := 0; start < len(kept); {
		bin := binOf(kept[start].X)
		lo, hi := start, start
		end := start
		for ; end < len(kept) && binOf(kept[end].X) == bin; end++ {
			if kept[end].Y < kept[lo].Y {
				lo = end
			}
			if kept[end].Y > kept[hi].Y {
				hi = end
			}
		}
		thinned = append(thinned, kept[min(lo, hi)])
		if lo != hi {
			thinned = append(thinned, kept[max(lo, hi)])
		}
		start = end
	}
	if final := kept[len(kept)-1]; thinned[len(thinned)-1] != final {
		thinned = append(thinned, final)
	}
	return thinned
}

func savePlot(p *plot.Plot, filename string) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return err
		}
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, filename); err != nil {
		return fmt.Errorf("saving plot %s: %w", filename, err)
	}
	return nil
}

// PlotDelay draws the delay of tagged packets over time, one line per
// workload, into filename. The image format follows the file extension.
func PlotDelay(recs []record.PacketObserved, title, filename string) error {
	groups := byWorkload(recs)
	if len(groups) == 0 {
		return ErrNothingToPlot
	}
	wlIDs := make([]uint32, 0, len(groups))
	for wlID := range groups {
		wlIDs = append(wlIDs, wlID)
	}
	slices.Sort(wlIDs)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Delay (ms)"

	for idx, wlID := range wlIDs {
		grp := groups[wlID]
		points := make(plotter.XYs, len(grp))
		for jdx, po := range grp {
			points[jdx] = plotter.XY{X: po.Time, Y: 1000.0 * po.Tags.Delay}
		}
		line, err := plotter.NewLine(thin(points, maxPlotPoints))
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(idx)
		p.Add(line)
		p.Legend.Add("workload "+strconv.Itoa(int(wlID)), line)
	}
	return savePlot(p, filename)
}

// PlotQueue draws queue depth over time, one stepped line per location.
// When locations is empty every location whose depth ever rose above zero
// is drawn.
func PlotQueue(samples []record.QueueSample, title, filename string, locations ...string) error {
	groups := byLocation(samples)
	if len(locations) == 0 {
		for loc, grp := range groups {
			if slices.ContainsFunc(grp, func(qs record.QueueSample) bool { return qs.Depth > 0 }) {
				locations = append(locations, loc)
			}
		}
		slices.Sort(locations)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Depth (packets)"

	drawn := 0
	for _, loc := range locations {
		grp, present := groups[loc]
		if !present {
			continue
		}
		points := make(plotter.XYs, len(grp))
		for jdx, qs := range grp {
			points[jdx] = plotter.XY{X: qs.Time, Y: float64(qs.Depth)}
		}
		line, err := plotter.NewLine(thin(points, maxPlotPoints))
		if err != nil {
			return err
		}
		line.StepStyle = plotter.PostStep
		line.Color = plotutil.Color(drawn)
		p.Add(line)
		p.Legend.Add(loc, line)
		drawn += 1
	}
	if drawn == 0 {
		return ErrNothingToPlot
	}
	return savePlot(p, filename)
}
