package main

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ── styles ────────────────────────────────────────────────────────────────────

var (
	bullStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#26a641"))
	bearStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e05c5c"))
	wickStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	axisStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#aaaaaa"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
)

// ── candle points ─────────────────────────────────────────────────────────────

// point is one rendered OHLCV bar, keyed by its minute timestamp.
type point struct {
	ts                           time.Time
	open, high, low, close, vol float64
}

// ── messages ──────────────────────────────────────────────────────────────────

type candleMsg struct{ evt candleEvent }

// ── model ─────────────────────────────────────────────────────────────────────

type model struct {
	symbol string
	nKline int
	ch     <-chan candleEvent

	points map[time.Time]point
	width  int
	height int
}

func newModel(symbol string, nKline int, ch <-chan candleEvent) model {
	return model{
		symbol: symbol,
		nKline: nKline,
		ch:     ch,
		points: make(map[time.Time]point),
	}
}

// ── Init / Update / View ──────────────────────────────────────────────────────

func (m model) Init() tea.Cmd {
	return waitForCandle(m.ch)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case candleMsg:
		m.merge(msg.evt)
		return m, waitForCandle(m.ch)
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "connecting…"
	}
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteByte('\n')
	b.WriteString(m.renderChart())
	b.WriteByte('\n')
	b.WriteString(footerStyle.Render("[q] quit"))
	return b.String()
}

// ── helpers ───────────────────────────────────────────────────────────────────

// waitForCandle blocks on the channel and returns a Cmd that fires candleMsg.
func waitForCandle(ch <-chan candleEvent) tea.Cmd {
	return func() tea.Msg {
		return candleMsg{<-ch}
	}
}

// merge folds an SSE event's candle map into the model's point set. An
// initial event replaces the whole set (it carries the full buffer); a
// delta event only adds or overwrites the minutes it names.
func (m *model) merge(evt candleEvent) {
	if evt.IsInitial {
		m.points = make(map[time.Time]point, len(evt.Candles))
	}
	for ts, ohlcv := range evt.Candles {
		t, err := time.Parse("2006-01-02T15:04:05Z", ts)
		if err != nil {
			continue
		}
		m.points[t] = point{ts: t, open: ohlcv["o"], high: ohlcv["h"], low: ohlcv["l"], close: ohlcv["c"], vol: ohlcv["v"]}
	}
}

// sorted returns the points in ascending time order, trimmed to the last
// nKline entries.
func (m model) sorted() []point {
	out := make([]point, 0, len(m.points))
	for _, p := range m.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts.Before(out[j].ts) })
	if len(out) > m.nKline {
		out = out[len(out)-m.nKline:]
	}
	return out
}

// ── header ────────────────────────────────────────────────────────────────────

func (m model) renderHeader() string {
	points := m.sorted()
	if len(points) == 0 {
		return headerStyle.Render(fmt.Sprintf("%s  waiting for data…", m.symbol))
	}
	p := points[len(points)-1]
	return headerStyle.Render(fmt.Sprintf(
		"%s  [%s]  O:%.2f  H:%.2f  L:%.2f  C:%.2f  V:%.0f  %d/%d",
		m.symbol, p.ts.Format("15:04:05"),
		p.open, p.high, p.low, p.close, p.vol,
		len(points), m.nKline,
	))
}

// ── chart ─────────────────────────────────────────────────────────────────────

const yAxisWidth = 11 // "  12345.67 │"

func (m model) renderChart() string {
	chartH := m.height - 4
	if chartH < 3 {
		chartH = 3
	}

	points := m.sorted()
	chartW := m.width - yAxisWidth
	maxCols := chartW / 2
	if maxCols < 1 {
		maxCols = 1
	}
	if len(points) > maxCols {
		points = points[len(points)-maxCols:]
	}

	hi, lo := priceRange(points)
	if hi == lo {
		hi = lo + 1
	}

	cols := len(points) * 2
	grid := make([][]string, chartH)
	for r := range grid {
		grid[r] = make([]string, cols)
		for c := range grid[r] {
			grid[r][c] = " "
		}
	}

	for i, p := range points {
		renderCandle(grid, p, i*2, chartH, hi, lo)
	}

	var b strings.Builder
	for row := 0; row < chartH; row++ {
		price := rowToPrice(row, chartH, hi, lo)
		label := fmt.Sprintf("%9.2f │", price)
		b.WriteString(axisStyle.Render(label))
		b.WriteString(strings.Join(grid[row], ""))
		b.WriteByte('\n')
	}

	b.WriteString(axisStyle.Render(strings.Repeat("─", yAxisWidth)))
	b.WriteString(axisStyle.Render(strings.Repeat("─", cols)))
	b.WriteByte('\n')

	b.WriteString(strings.Repeat(" ", yAxisWidth))
	labelEvery := 10
	for i, p := range points {
		cell := "  "
		if i%labelEvery == 0 {
			cell = p.ts.Format("15:04")
			b.WriteString(cell)
			continue
		}
		b.WriteString(cell)
	}
	b.WriteByte('\n')

	return b.String()
}

// renderCandle paints one bar into the grid at column x (0-indexed, 2 wide).
func renderCandle(grid [][]string, p point, x, chartH int, hi, lo float64) {
	bullish := p.close >= p.open
	style := bullStyle
	if !bullish {
		style = bearStyle
	}

	fH := float64(chartH)
	bodyTop := priceToRow(math.Max(p.open, p.close), fH, hi, lo)
	bodyBot := priceToRow(math.Min(p.open, p.close), fH, hi, lo)
	wickTop := priceToRow(p.high, fH, hi, lo)
	wickBot := priceToRow(p.low, fH, hi, lo)

	for row := 0; row < chartH; row++ {
		inBody := row >= bodyTop && row <= bodyBot
		inWick := row >= wickTop && row <= wickBot

		var left, right string
		switch {
		case inBody:
			left = style.Render("█")
			right = style.Render("█")
		case inWick:
			left = wickStyle.Render("│")
			right = " "
		default:
			left = " "
			right = " "
		}

		if x < len(grid[row]) {
			grid[row][x] = left
		}
		if x+1 < len(grid[row]) {
			grid[row][x+1] = right
		}
	}
}

// priceToRow converts a price to a grid row (0 = top = high).
func priceToRow(price, chartH float64, hi, lo float64) int {
	if hi == lo {
		return int(chartH) / 2
	}
	row := (hi - price) / (hi - lo) * (chartH - 1)
	r := int(math.Round(row))
	if r < 0 {
		r = 0
	}
	if r >= int(chartH) {
		r = int(chartH) - 1
	}
	return r
}

// rowToPrice is the inverse of priceToRow.
func rowToPrice(row, chartH int, hi, lo float64) float64 {
	if chartH <= 1 {
		return hi
	}
	return hi - float64(row)/float64(chartH-1)*(hi-lo)
}

// priceRange returns the overall high and low across the visible points.
func priceRange(points []point) (hi, lo float64) {
	hi = -math.MaxFloat64
	lo = math.MaxFloat64
	for _, p := range points {
		if p.high > hi {
			hi = p.high
		}
		if p.low < lo {
			lo = p.low
		}
	}
	if hi == -math.MaxFloat64 {
		hi = 0
	}
	if lo == math.MaxFloat64 {
		lo = 0
	}
	return
}
