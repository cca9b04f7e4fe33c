package reporting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"titertrack/pkg/domain"
)

// Chart presentation constants.
const (
	NoSamplesTitle    = "No Samples Found"
	ChartXAxisTitle   = "Sample ID"
	ChartDivID        = "titer_chart"
	PaperBackground   = "#27293d"
	BarColor          = "#6200EE"
	FontColor         = "white"
	BarGap            = 0.75
	plotlyCDN         = "https://cdn.plot.ly/plotly-2.35.2.min.js"
	transparentPlot   = "rgba(0,0,0,0)"
	chartTitleSize    = 24
	chartAxisFontSize = 18
)

// BarChart is a single-metric bar chart over sample labels.
type BarChart struct {
	Metric     domain.Metric
	Title      string
	Categories []string
	Values     []float64
	Empty      bool
}

// RenderBarChart plots metric for each label in order. Labels absent from the
// table are skipped. With no labels or no data the result is a placeholder
// chart titled NoSamplesTitle.
func RenderBarChart(metric domain.Metric, labels []string, table domain.MetricTable) BarChart {
	chart := BarChart{Metric: metric}
	if len(labels) > 0 && !table.Empty() {
		for _, label := range labels {
			row, ok := table.Values[label]
			if !ok {
				continue
			}
			chart.Categories = append(chart.Categories, label)
			chart.Values = append(chart.Values, row[metric])
		}
	}
	if len(chart.Categories) == 0 {
		chart.Empty = true
		chart.Title = NoSamplesTitle
		return chart
	}
	chart.Title = "Titer Results for " + string(metric)
	return chart
}

type plotFont struct {
	Size  int    `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
}

type plotTitle struct {
	Text    string    `json:"text"`
	X       float64   `json:"x,omitempty"`
	XAnchor string    `json:"xanchor,omitempty"`
	YAnchor string    `json:"yanchor,omitempty"`
	Font    *plotFont `json:"font,omitempty"`
}

type plotAxis struct {
	Title      plotTitle `json:"title"`
	TickMode   string    `json:"tickmode,omitempty"`
	Tick0      *float64  `json:"tick0,omitempty"`
	AutoMargin bool      `json:"automargin,omitempty"`
}

type plotMarker struct {
	Color string `json:"color"`
}

// PlotTrace is one plotly data series.
type PlotTrace struct {
	Type   string     `json:"type"`
	Name   string     `json:"name"`
	X      []string   `json:"x"`
	Y      []float64  `json:"y"`
	Marker plotMarker `json:"marker"`
}

// PlotLayout is the plotly layout object.
type PlotLayout struct {
	Title        plotTitle `json:"title"`
	XAxis        plotAxis  `json:"xaxis"`
	YAxis        plotAxis  `json:"yaxis"`
	Font         plotFont  `json:"font"`
	BarGap       float64   `json:"bargap"`
	PaperBGColor string    `json:"paper_bgcolor"`
	PlotBGColor  string    `json:"plot_bgcolor"`
}

// Figure is a plotly-compatible figure.
type Figure struct {
	Data   []PlotTrace `json:"data"`
	Layout PlotLayout  `json:"layout"`
}

// Figure returns the plotly figure for the chart.
func (c BarChart) Figure() Figure {
	tick0 := 0.0
	fig := Figure{
		Data: []PlotTrace{},
		Layout: PlotLayout{
			Title: plotTitle{
				Text:    c.Title,
				X:       0.5,
				XAnchor: "center",
				YAnchor: "top",
				Font:    &plotFont{Size: chartTitleSize},
			},
			XAxis: plotAxis{
				Title:    plotTitle{Text: ChartXAxisTitle, Font: &plotFont{Size: chartAxisFontSize}},
				TickMode: "linear",
				Tick0:    &tick0,
			},
			YAxis: plotAxis{
				Title:      plotTitle{Text: string(c.Metric), Font: &plotFont{Size: chartAxisFontSize}},
				AutoMargin: true,
			},
			Font:         plotFont{Color: FontColor},
			BarGap:       BarGap,
			PaperBGColor: PaperBackground,
			PlotBGColor:  transparentPlot,
		},
	}
	if !c.Empty {
		fig.Data = append(fig.Data, PlotTrace{
			Type:   "bar",
			Name:   string(c.Metric),
			X:      append([]string(nil), c.Categories...),
			Y:      append([]float64(nil), c.Values...),
			Marker: plotMarker{Color: BarColor},
		})
	}
	return fig
}

// FigureJSON encodes the plotly figure.
func (c BarChart) FigureJSON() ([]byte, error) {
	return json.Marshal(c.Figure())
}

var chartHTML = template.Must(template.New("chart").Parse(`<div id="{{.ID}}" class="plotly-graph-div" style="height:100%; width:100%;"></div>
<script src="{{.CDN}}" charset="utf-8"></script>
<script type="text/javascript">Plotly.newPlot({{.ID}}, {{.Figure.Data}}, {{.Figure.Layout}}, {"responsive": true});</script>
`))

// HTML renders an embeddable fragment that draws the chart with plotly.js.
func (c BarChart) HTML() ([]byte, error) {
	var buf bytes.Buffer
	err := chartHTML.Execute(&buf, struct {
		ID     string
		CDN    string
		Figure Figure
	}{ID: ChartDivID, CDN: plotlyCDN, Figure: c.Figure()})
	if err != nil {
		return nil, fmt.Errorf("render chart html: %w", err)
	}
	return buf.Bytes(), nil
}

// PNG rasterises the bars on the chart background. Labels and titles are not
// drawn.
func (c BarChart) PNG() ([]byte, error) {
	const (
		width  = 640
		height = 360
		margin = 20
	)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{hexColor(PaperBackground)}, image.Point{}, draw.Src)

	maxValue := 0.0
	for _, v := range c.Values {
		if v > maxValue {
			maxValue = v
		}
	}
	if !c.Empty && maxValue > 0 {
		slot := (width - 2*margin) / len(c.Values)
		if slot < 1 {
			slot = 1
		}
		barWidth := int(float64(slot) * (1 - BarGap))
		if barWidth < 1 {
			barWidth = 1
		}
		plotHeight := float64(height - 2*margin)
		bar := &image.Uniform{hexColor(BarColor)}
		for i, v := range c.Values {
			if v <= 0 {
				continue
			}
			x0 := margin + i*slot + (slot-barWidth)/2
			y0 := height - margin - int(plotHeight*v/maxValue)
			draw.Draw(img, image.Rect(x0, y0, x0+barWidth, height-margin), bar, image.Point{}, draw.Src)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hexColor(hex string) color.RGBA {
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}
}
