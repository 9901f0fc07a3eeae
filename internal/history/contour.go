package history

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"math"

	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
)

const (
	gridSize = 40
	plotSize = 480.0
	margin   = 64.0
	idwPower = 2.0
)

// ErrTooFewDimensions is returned when a study has fewer than two dimensions
// to put on the axes.
var ErrTooFewDimensions = errors.New("contour needs at least two dimensions")

type cell struct {
	X, Y, W, H float64
	Fill       string
}

type marker struct {
	X, Y  float64
	Label string
}

type tick struct {
	Pos   float64
	Label string
}

type contourPage struct {
	Study    string
	XName    string
	YName    string
	Size     float64
	Margin   float64
	Total    float64
	Cells    []cell
	Complete []marker
	Failed   []marker
	Best     *marker
	XTicks   []tick
	YTicks   []tick
	Min, Max string
	Counts   store.Summary

	// Axis label positions.
	TickY, TickX, Mid, NameY float64
}

// RenderContour writes an HTML page with a heat map of the objective over the
// first two dimensions of the study. The surface is an inverse-distance
// weighted interpolation of COMPLETE trials; every trial is drawn as a
// marker, FAILED ones crossed out and the best one highlighted.
func RenderContour(w io.Writer, info store.StudyInfo, trials []store.Trial) error {
	if len(info.Space.Dims) < 2 {
		return ErrTooFewDimensions
	}
	sp := info.Space
	xDim, yDim := sp.Dims[0], sp.Dims[1]

	page := contourPage{
		Study:  info.Name,
		XName:  xDim.Name,
		YName:  yDim.Name,
		Size:   plotSize,
		Margin: margin,
		Total:  plotSize + 2*margin,
		Counts: store.Summarize(trials),
		XTicks: ticks(sp, 0, false),
		YTicks: ticks(sp, 1, true),
		TickY:  margin + plotSize + 18,
		TickX:  margin - 6,
		Mid:    margin + plotSize/2,
		NameY:  margin + plotSize + 44,
	}

	var samples []sample
	for _, t := range trials {
		u := sp.Normalize(t.Params)
		m := marker{X: toX(u[0]), Y: toY(u[1]), Label: fmt.Sprintf("trial %d: %s", t.ID, t.Params.Format())}
		switch t.Status {
		case store.StatusComplete:
			m.Label += fmt.Sprintf(" IAE=%.4g", t.Value())
			page.Complete = append(page.Complete, m)
			samples = append(samples, sample{x: u[0], y: u[1], v: t.Value()})
		case store.StatusFailed:
			m.Label += " " + t.FailReason
			page.Failed = append(page.Failed, m)
		}
	}
	if best := page.Counts.Best; best != nil {
		u := sp.Normalize(best.Params)
		page.Best = &marker{X: toX(u[0]), Y: toY(u[1]),
			Label: fmt.Sprintf("best trial %d: %s IAE=%.4g", best.ID, best.Params.Format(), best.Value())}
	}

	if len(samples) > 0 {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, s := range samples {
			lo = math.Min(lo, s.v)
			hi = math.Max(hi, s.v)
		}
		page.Min = fmt.Sprintf("%.4g", lo)
		page.Max = fmt.Sprintf("%.4g", hi)

		step := 1.0 / gridSize
		for i := 0; i < gridSize; i++ {
			for j := 0; j < gridSize; j++ {
				cx := (float64(i) + 0.5) * step
				cy := (float64(j) + 0.5) * step
				v := interpolate(samples, cx, cy)
				page.Cells = append(page.Cells, cell{
					X:    toX(float64(i) * step),
					Y:    toY(float64(j+1) * step),
					W:    plotSize * step,
					H:    plotSize * step,
					Fill: colour(scale(v, lo, hi)),
				})
			}
		}
	}

	return contourTemplate.Execute(w, page)
}

type sample struct{ x, y, v float64 }

// interpolate returns the inverse-distance weighted objective at (x, y) in
// the unit square.
func interpolate(samples []sample, x, y float64) float64 {
	var num, den float64
	for _, s := range samples {
		d2 := (s.x-x)*(s.x-x) + (s.y-y)*(s.y-y)
		if d2 < 1e-12 {
			return s.v
		}
		wt := 1 / math.Pow(d2, idwPower/2)
		num += wt * s.v
		den += wt
	}
	return num / den
}

func scale(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// colour maps 0 (best) to dark blue and 1 (worst) to yellow.
func colour(f float64) string {
	stops := [][3]float64{
		{68, 1, 84},
		{59, 82, 139},
		{33, 145, 140},
		{94, 201, 98},
		{253, 231, 37},
	}
	f = math.Max(0, math.Min(1, f))
	pos := f * float64(len(stops)-1)
	i := int(pos)
	if i >= len(stops)-1 {
		i = len(stops) - 2
	}
	frac := pos - float64(i)
	var c [3]int
	for k := 0; k < 3; k++ {
		c[k] = int(math.Round(stops[i][k] + frac*(stops[i+1][k]-stops[i][k])))
	}
	return fmt.Sprintf("rgb(%d,%d,%d)", c[0], c[1], c[2])
}

func toX(u float64) float64 { return margin + u*plotSize }
func toY(u float64) float64 { return margin + (1-u)*plotSize }

// ticks labels five evenly spaced positions of dimension dim in unit
// coordinates, so log dimensions get log-spaced labels.
func ticks(sp space.Space, dim int, vertical bool) []tick {
	name := sp.Dims[dim].Name
	out := make([]tick, 0, 5)
	for i := 0; i <= 4; i++ {
		u := make([]float64, len(sp.Dims))
		for k := range u {
			u[k] = 0.5
		}
		u[dim] = float64(i) / 4
		v := sp.Denormalize(u)[name]
		pos := toX(u[dim])
		if vertical {
			pos = toY(u[dim])
		}
		out = append(out, tick{Pos: pos, Label: fmt.Sprintf("%.4g", v)})
	}
	return out
}

var contourTemplate = template.Must(template.New("contour").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Study}} – objective contour</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
.legend { margin-top: 1rem; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>{{.Study}}</h1>
<p>{{.Counts.Complete}} complete, {{.Counts.Failed}} failed, {{.Counts.Running}} running, {{.Counts.Pending}} pending.
{{- with .Counts.Best}} Best: trial {{.ID}}, {{.Params.Format}}.{{end}}</p>
<svg xmlns="http://www.w3.org/2000/svg" width="{{.Total}}" height="{{.Total}}" viewBox="0 0 {{.Total}} {{.Total}}">
<rect x="{{.Margin}}" y="{{.Margin}}" width="{{.Size}}" height="{{.Size}}" fill="#eee" stroke="#444"/>
{{- range .Cells}}
<rect x="{{printf "%.2f" .X}}" y="{{printf "%.2f" .Y}}" width="{{printf "%.2f" .W}}" height="{{printf "%.2f" .H}}" fill="{{.Fill}}"/>
{{- end}}
{{- range .Complete}}
<circle cx="{{printf "%.2f" .X}}" cy="{{printf "%.2f" .Y}}" r="3.5" fill="white" stroke="black"><title>{{.Label}}</title></circle>
{{- end}}
{{- range .Failed}}
<g class="failed" stroke="red" stroke-width="2"><title>{{.Label}}</title>
<path d="M {{printf "%.2f" .X}} {{printf "%.2f" .Y}} m -4 -4 l 8 8 m 0 -8 l -8 8"/>
</g>
{{- end}}
{{- with .Best}}
<circle class="best" cx="{{printf "%.2f" .X}}" cy="{{printf "%.2f" .Y}}" r="8" fill="none" stroke="red" stroke-width="3"><title>{{.Label}}</title></circle>
{{- end}}
{{- range .XTicks}}
<text x="{{printf "%.2f" .Pos}}" y="{{$.TickY}}" text-anchor="middle" font-size="11">{{.Label}}</text>
{{- end}}
{{- range .YTicks}}
<text x="{{$.TickX}}" y="{{printf "%.2f" .Pos}}" text-anchor="end" font-size="11">{{.Label}}</text>
{{- end}}
<text x="{{$.Mid}}" y="{{$.NameY}}" text-anchor="middle">{{.XName}}</text>
<text x="16" y="{{$.Mid}}" text-anchor="middle" transform="rotate(-90 16 {{$.Mid}})">{{.YName}}</text>
</svg>
<p class="legend">{{if .Cells}}Colour: IAE from {{.Min}} (dark) to {{.Max}} (yellow), inverse-distance interpolated.{{else}}No completed trials yet.{{end}}</p>
</body>
</html>
`))
