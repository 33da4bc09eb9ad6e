package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/fsutil"
	"github.com/couchcryptid/tempo-no2-etl/internal/pipeline"
)

// infernoStops samples the inferno colormap from dark to bright.
var infernoStops = []string{
	"#000004", "#1b0c41", "#4a0c6b", "#781c6d", "#a52c60",
	"#cf4446", "#ed6925", "#fb9b06", "#f7d13d", "#fcffa4",
}

// HTMLMapExporter renders the grid as an interactive scatter map. The most
// recent render is kept in memory for the HTTP surface.
type HTMLMapExporter struct {
	path string

	mu     sync.RWMutex
	latest []byte
}

func NewHTMLMapExporter(path string) *HTMLMapExporter {
	return &HTMLMapExporter{path: path}
}

func (e *HTMLMapExporter) Name() string { return "html" }

func (e *HTMLMapExporter) Export(ctx context.Context, snap pipeline.Snapshot) (string, error) {
	if !snap.HasGrid {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := RenderHTMLMap(&buf, snap.Grid, fmt.Sprintf("cycle %s", snap.CycleID)); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.latest = buf.Bytes()
	e.mu.Unlock()

	if e.path == "" {
		return "", nil
	}
	err := fsutil.WriteAtomic(e.path, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("write html map: %w", err)
	}
	return e.path, nil
}

// Latest returns the most recently rendered page, or nil before the first
// successful export.
func (e *HTMLMapExporter) Latest() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest
}

// RenderHTMLMap writes an echarts scatter of the grid cells positioned at
// (lon_bin, lat_bin) and colored by mean NO2. Cells without a finite mean are
// omitted.
func RenderHTMLMap(w io.Writer, g domain.Grid, subtitle string) error {
	data := make([]opts.ScatterData, 0, len(g.Cells))
	for _, c := range g.Cells {
		if math.IsNaN(c.Mean) || math.IsInf(c.Mean, 0) {
			continue
		}
		name := c.Label
		if name == "" {
			name = fmt.Sprintf("%.2f, %.2f", c.LatBin, c.LonBin)
		}
		data = append(data, opts.ScatterData{
			Name:  name,
			Value: []interface{}{c.LonBin, c.LatBin, c.Mean},
		})
	}

	lo, hi, ok := g.Range()
	if !ok {
		lo, hi = 0, 1
	}
	if hi == lo {
		hi = lo + 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "TEMPO NO2 Tropospheric Column", Width: "1200px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "Mean NO2 tropospheric column", Subtitle: fmt.Sprintf("%s cells=%d size=%g°", subtitle, len(data), g.CellSize)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Longitude", NameLocation: "middle", NameGap: 25, Scale: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Latitude", NameLocation: "middle", NameGap: 40, Scale: opts.Bool(true)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: infernoStops},
		}),
	)
	scatter.AddSeries("no2_mean", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6, Symbol: "rect"}))

	if err := scatter.Render(w); err != nil {
		return fmt.Errorf("render html map: %w", err)
	}
	return nil
}
