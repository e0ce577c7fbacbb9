package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/nightscout-advisor/internal/config"
	"github.com/mrcode/nightscout-advisor/internal/models"
)

const (
	statusUrgentLow  = "urgent_low"
	statusUrgentHigh = "urgent_high"
	statusLow        = "low"
	statusHigh       = "high"

	// minimum basal change that gets an arrow, in percent
	arrowThreshold = 5.0
)

// Chart draws the hourly glucose averages of a result as bars colored by
// glucose status, with the target band behind them and an arrow over every
// hour whose basal rate should change
type Chart struct {
	Range  config.RangeConfig
	Width  int
	Height int
}

// NewChart creates a chart with the default 960x400 size
func NewChart(glucoseRange config.RangeConfig) *Chart {
	return &Chart{Range: glucoseRange, Width: 960, Height: 400}
}

// Render draws the chart
func (c *Chart) Render(result *models.AnalysisResult) image.Image {
	const (
		marginLeft   = 48.0
		marginRight  = 16.0
		marginTop    = 40.0
		marginBottom = 32.0
	)

	width, height := float64(c.Width), float64(c.Height)
	dc := gg.NewContext(c.Width, c.Height)
	dc.SetColor(color.White)
	dc.Clear()

	plotW := width - marginLeft - marginRight
	plotH := height - marginTop - marginBottom
	slotW := plotW / models.HoursPerDay

	// Y axis spans 40..(max of urgent high and the highest average)
	yMin := 40.0
	yMax := c.Range.UrgentHigh + 20
	if _, maxVal, ok := bounds(result.HourlyAvg[:]); ok && maxVal+20 > yMax {
		yMax = maxVal + 20
	}
	yOf := func(v float64) float64 {
		v = max(yMin, min(v, yMax))
		return marginTop + plotH*(1-(v-yMin)/(yMax-yMin))
	}

	// Target band
	r, g, b := parseHexColor("#dcfce7")
	dc.SetRGB255(int(r), int(g), int(b))
	top := yOf(c.Range.TargetHigh)
	dc.DrawRectangle(marginLeft, top, plotW, yOf(c.Range.TargetLow)-top)
	dc.Fill()

	hasFont := loadFont(dc, 12) == nil

	for hour, avg := range result.HourlyAvg {
		x := marginLeft + float64(hour)*slotW
		if avg != nil {
			r, g, b := parseHexColor(statusColor(c.Range.Status(*avg)))
			dc.SetRGB255(int(r), int(g), int(b))
			y := yOf(*avg)
			dc.DrawRoundedRectangle(x+slotW*0.15, y, slotW*0.7, marginTop+plotH-y, 3)
			dc.Fill()
		}

		adj := result.BasalChange[hour]
		if adj.AdjustmentPct >= arrowThreshold || adj.AdjustmentPct <= -arrowThreshold {
			dc.SetColor(color.Black)
			drawArrow(dc, x+slotW/2, marginTop/2, slotW*0.5, adj.AdjustmentPct > 0)
		}

		if hasFont && hour%3 == 0 {
			dc.SetColor(color.Black)
			dc.DrawStringAnchored(fmt.Sprintf("%02d", hour), x+slotW/2, height-marginBottom/2, 0.5, 0.5)
		}
	}

	// Axes
	dc.SetColor(color.Gray{Y: 96})
	dc.SetLineWidth(1)
	dc.DrawLine(marginLeft, marginTop, marginLeft, marginTop+plotH)
	dc.DrawLine(marginLeft, marginTop+plotH, marginLeft+plotW, marginTop+plotH)
	dc.Stroke()

	if hasFont {
		for _, v := range []float64{c.Range.TargetLow, c.Range.TargetHigh} {
			dc.DrawStringAnchored(fmt.Sprintf("%.0f", v), marginLeft-6, yOf(v), 1, 0.5)
		}
	}

	return dc.Image()
}

// WritePNG encodes the chart as PNG
func (c *Chart) WritePNG(w io.Writer, result *models.AnalysisResult) error {
	if err := png.Encode(w, c.Render(result)); err != nil {
		return fmt.Errorf("encoding chart: %w", err)
	}
	return nil
}

// SavePNG writes the chart to path
func (c *Chart) SavePNG(path string, result *models.AnalysisResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chart file: %w", err)
	}
	if err := c.WritePNG(f, result); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// loadFont helper to load font safely
func loadFont(dc *gg.Context, size float64) error {
	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return err
	}
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
	return nil
}

// drawArrow draws an up or down arrow centered at x, y
func drawArrow(dc *gg.Context, x, y, size float64, up bool) {
	dc.Push()
	defer dc.Pop()

	dc.Translate(x, y)
	if !up {
		dc.Rotate(gg.Radians(180))
	}

	w := size * 0.5
	s := size

	dc.NewSubPath()
	dc.MoveTo(0, -s/2)
	dc.LineTo(w/2, 0)
	dc.LineTo(w/6, 0)
	dc.LineTo(w/6, s/2)
	dc.LineTo(-w/6, s/2)
	dc.LineTo(-w/6, 0)
	dc.LineTo(-w/2, 0)
	dc.ClosePath()
	dc.Fill()
}

// statusColor maps a glucose status to its bar color
func statusColor(status string) string {
	switch status {
	case statusUrgentLow, statusUrgentHigh:
		return "#ef4444" // Red
	case statusLow:
		return "#f97316" // Orange
	case statusHigh:
		return "#facc15" // Yellow
	case "normal":
		return "#4ade80" // Green
	default:
		return "#808080" // Gray for unknown
	}
}

// StatusLabel returns a human-readable status string
func StatusLabel(status string) string {
	switch status {
	case statusUrgentLow:
		return "Urgent Low"
	case statusUrgentHigh:
		return "Urgent High"
	case statusLow:
		return "Low"
	case statusHigh:
		return "High"
	case "normal":
		return "In Range"
	default:
		return status
	}
}

// parseHexColor parses a hex color string to RGB values
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}
