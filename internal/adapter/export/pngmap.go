package export

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/fsutil"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

var missingColor = color.Gray{Y: 160}

// PNGMapExporter renders the grid to a static PNG image.
type PNGMapExporter struct {
	path          string
	width, height vg.Length
}

func NewPNGMapExporter(path string) *PNGMapExporter {
	return &PNGMapExporter{path: path, width: 10 * vg.Inch, height: 7 * vg.Inch}
}

func (e *PNGMapExporter) Name() string { return "png" }

func (e *PNGMapExporter) Export(ctx context.Context, snap pipeline.Snapshot) (string, error) {
	if !snap.HasGrid || len(snap.Grid.Cells) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p, err := newGridPlot(snap.Grid)
	if err != nil {
		return "", err
	}
	wt, err := p.WriterTo(e.width, e.height, "png")
	if err != nil {
		return "", fmt.Errorf("render png map: %w", err)
	}
	err = fsutil.WriteAtomic(e.path, func(w io.Writer) error {
		_, err := wt.WriteTo(w)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write png map: %w", err)
	}
	return e.path, nil
}

func newGridPlot(g domain.Grid) (*plot.Plot, error) {
	cmap := moreland.ExtendedBlackBody()
	lo, hi, ok := g.Range()
	if !ok || hi == lo {
		hi = lo + 1
	}
	cmap.SetMin(lo)
	cmap.SetMax(hi)

	xys := make(plotter.XYs, len(g.Cells))
	for i, c := range g.Cells {
		xys[i].X = c.LonBin
		xys[i].Y = c.LatBin
	}
	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("build scatter: %w", err)
	}
	sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		style := draw.GlyphStyle{Color: missingColor, Radius: vg.Points(2), Shape: draw.BoxGlyph{}}
		v := g.Cells[i].Mean
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return style
		}
		if c, err := cmap.At(v); err == nil {
			style.Color = c
		}
		return style
	}

	p := plot.New()
	p.Title.Text = "Mean NO2 tropospheric column"
	p.X.Label.Text = "Longitude"
	p.Y.Label.Text = "Latitude"
	p.Add(plotter.NewGrid(), sc)
	return p, nil
}
