package plot

import (
	"fmt"
	"image/color"
	"math"
	"os"

	"github.com/vesaa/opensqm/internal/config"
	"github.com/vesaa/opensqm/internal/ephem"
	"github.com/vesaa/opensqm/internal/models"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var pointColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}

// Plotter renders night graphs: sky brightness against local time, plus
// brightness against solar altitude when full_plot is set.
type Plotter struct {
	observer ephem.Observer
	title    string
	nsb      [2]float64
	hours    [2]float64 // local hours; an end before the start wraps past midnight
	sunAlt   [2]float64
	full     bool
}

// NewPlotter takes axis limits and the full_plot switch from cfg.
func NewPlotter(cfg *config.Config, obs ephem.Observer) *Plotter {
	return &Plotter{
		observer: obs,
		title:    fmt.Sprintf("%s (%s)", cfg.ObservatoryName, cfg.DeviceID),
		nsb:      [2]float64{cfg.LimitsNSB[0], cfg.LimitsNSB[1]},
		hours:    [2]float64{cfg.LimitsTime[0], cfg.LimitsTime[1]},
		sunAlt:   [2]float64{cfg.LimitsSunAlt[0], cfg.LimitsSunAlt[1]},
		full:     cfg.FullPlot,
	}
}

// Render writes a PNG graph of records to path.
func (p *Plotter) Render(path string, records []models.Record) error {
	if len(records) == 0 {
		return ErrNoData
	}
	night := models.NightOf(records[0].Local)

	timePlot, err := p.timePanel(records, night.Format("2006-01-02"))
	if err != nil {
		return err
	}
	if !p.full {
		if err := timePlot.Save(20*vg.Centimeter, 12*vg.Centimeter, path); err != nil {
			return fmt.Errorf("saving %s: %w", path, err)
		}
		return nil
	}

	sunPlot, err := p.sunPanel(records)
	if err != nil {
		return err
	}
	img := vgimg.New(20*vg.Centimeter, 22*vg.Centimeter)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadX: vg.Millimeter * 4, PadY: vg.Millimeter * 6, PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{timePlot}, {sunPlot}}, tiles, dc)
	timePlot.Draw(canvases[0][0])
	sunPlot.Draw(canvases[1][0])

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

func (p *Plotter) timePanel(records []models.Record, night string) (*plot.Plot, error) {
	pts := make(plotter.XYs, len(records))
	for i, r := range records {
		pts[i].X = nightHour(r)
		pts[i].Y = r.Brightness
	}

	pl := plot.New()
	pl.Title.Text = p.title + " " + night
	pl.X.Label.Text = "Local time (h)"
	pl.Y.Label.Text = "NSB (mag/arcsec²)"
	pl.X.Min, pl.X.Max = hourRange(p.hours)
	pl.X.Tick.Marker = hourTicks{}
	pl.Y.Min, pl.Y.Max = p.nsb[0], p.nsb[1]
	pl.Add(plotter.NewGrid())

	s, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	s.GlyphStyle.Color = pointColor
	s.GlyphStyle.Radius = vg.Points(1.5)
	pl.Add(s)
	return pl, nil
}

func (p *Plotter) sunPanel(records []models.Record) (*plot.Plot, error) {
	pts := make(plotter.XYs, len(records))
	for i, r := range records {
		pts[i].X = p.observer.SolarAltitude(r.UTC)
		pts[i].Y = r.Brightness
	}

	pl := plot.New()
	pl.X.Label.Text = "Solar altitude (deg)"
	pl.Y.Label.Text = "NSB (mag/arcsec²)"
	pl.X.Min, pl.X.Max = p.sunAlt[0], p.sunAlt[1]
	pl.Y.Min, pl.Y.Max = p.nsb[0], p.nsb[1]
	pl.Add(plotter.NewGrid())

	s, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	s.GlyphStyle.Color = pointColor
	s.GlyphStyle.Radius = vg.Points(1.5)
	pl.Add(s)
	return pl, nil
}

// nightHour places a record on a continuous axis running from local noon to
// the next noon: 23:30 is 23.5, 01:15 the next morning is 25.25.
func nightHour(r models.Record) float64 {
	t := r.Local
	return foldHour(float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600)
}

// foldHour moves morning hours past 24 so a night reads left to right.
func foldHour(h float64) float64 {
	if h < 12 {
		return h + 24
	}
	return h
}

// hourRange maps limits_time onto the nightHour axis.
func hourRange(limits [2]float64) (min, max float64) {
	min, max = foldHour(limits[0]), foldHour(limits[1])
	if max <= min {
		max += 24
	}
	return min, max
}

// hourTicks labels every second hour, folding hours past midnight back to 0-23.
type hourTicks struct{}

func (hourTicks) Ticks(min, max float64) []plot.Tick {
	var ticks []plot.Tick
	for h := math.Ceil(min); h <= max; h++ {
		t := plot.Tick{Value: h}
		if int(h)%2 == 0 {
			t.Label = fmt.Sprintf("%02d", int(h)%24)
		}
		ticks = append(ticks, t)
	}
	return ticks
}
