package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nsf/termbox-go"

	"mb-reverb/dsp"
)

const (
	colDef    = termbox.ColorDefault
	colWhite  = termbox.ColorWhite
	colRed    = termbox.ColorRed
	colGreen  = termbox.ColorGreen
	colYellow = termbox.ColorYellow
	colCyan   = termbox.ColorCyan

	fineStep   = 0.01 // normalized
	coarseStep = 0.1
)

// tuiRow is one editable parameter. band is -1 for crossovers.
type tuiRow struct {
	id   string
	band int
}

// tuiModel is the terminal UI state without any drawing.
type tuiModel struct {
	proc     *dsp.Processor
	rows     []tuiRow
	selected int
	exit     bool

	// Impulse response path entry.
	editing bool
	input   []rune

	status    string
	statusErr bool
}

func newTUIModel(proc *dsp.Processor) *tuiModel {
	m := &tuiModel{proc: proc}

	for i := range len(proc.Bands()) - 1 {
		m.rows = append(m.rows, tuiRow{id: dsp.CrossoverID(i), band: -1})
	}

	for b := range proc.Bands() {
		for _, id := range []string{dsp.MixID(b), dsp.VolumeID(b), dsp.SoloID(b), dsp.MuteID(b)} {
			m.rows = append(m.rows, tuiRow{id: id, band: b})
		}
	}

	return m
}

func (m *tuiModel) current() tuiRow { return m.rows[m.selected] }

func (m *tuiModel) nudge(delta float64) {
	id := m.current().id
	params := m.proc.Params()
	_, _ = params.SetNormalized(id, params.Normalized(id)+delta)
}

func (m *tuiModel) toggle() {
	id := m.current().id
	params := m.proc.Params()

	if spec, ok := params.Spec(id); ok && spec.Toggle {
		v := 1.0
		if params.Get(id) >= 0.5 {
			v = 0
		}

		_, _ = params.Set(id, v)
	}
}

// handleKey applies one key event.
func (m *tuiModel) handleKey(ev termbox.Event) {
	if m.editing {
		m.handleEditKey(ev)
		return
	}

	switch {
	case ev.Key == termbox.KeyEsc || ev.Ch == 'q':
		m.exit = true
	case ev.Key == termbox.KeyArrowUp:
		m.selected = (m.selected + len(m.rows) - 1) % len(m.rows)
	case ev.Key == termbox.KeyArrowDown:
		m.selected = (m.selected + 1) % len(m.rows)
	case ev.Key == termbox.KeyArrowRight:
		m.nudge(fineStep)
	case ev.Key == termbox.KeyArrowLeft:
		m.nudge(-fineStep)
	case ev.Key == termbox.KeyPgup:
		m.nudge(coarseStep)
	case ev.Key == termbox.KeyPgdn:
		m.nudge(-coarseStep)
	case ev.Key == termbox.KeySpace || ev.Key == termbox.KeyEnter:
		m.toggle()
	case ev.Ch == 'r':
		m.proc.Params().Reset()
	case ev.Ch == 'l' && m.current().band >= 0:
		m.editing = true
		m.input = m.input[:0]
	case ev.Ch == 'c' && m.current().band >= 0:
		band := m.current().band
		_ = m.proc.ClearImpulseResponse(band)
		m.setStatus(fmt.Sprintf("band %d: impulse response cleared", band+1), false)
	}
}

func (m *tuiModel) handleEditKey(ev termbox.Event) {
	switch ev.Key {
	case termbox.KeyEsc:
		m.editing = false
	case termbox.KeyEnter:
		m.editing = false

		path := strings.TrimSpace(string(m.input))
		if path == "" {
			return
		}

		band := m.current().band
		if err := m.proc.LoadImpulseResponse(band, path); err != nil {
			m.setStatus(err.Error(), true)
			return
		}

		m.setStatus(fmt.Sprintf("band %d: loading %s", band+1, path), false)
	case termbox.KeyBackspace, termbox.KeyBackspace2:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case termbox.KeySpace:
		m.input = append(m.input, ' ')
	default:
		if ev.Ch != 0 {
			m.input = append(m.input, ev.Ch)
		}
	}
}

func (m *tuiModel) setStatus(s string, isErr bool) {
	m.status, m.statusErr = s, isErr
}

// irEvent turns a load outcome into a status line.
func (m *tuiModel) irEvent(ev dsp.IREvent) {
	switch {
	case ev.Err == nil:
		m.setStatus(fmt.Sprintf("band %d: loaded %s", ev.Band+1, ev.Name), false)
	case !errors.Is(ev.Err, dsp.ErrSuperseded):
		m.setStatus(fmt.Sprintf("band %d: %s", ev.Band+1, ev.Err), true)
	}
}

// barHeights scales a dB curve to rows of height h.
func barHeights(curve []float64, floorDB float64, h int) []int {
	out := make([]int, len(curve))
	if floorDB >= 0 {
		return out
	}

	for i, db := range curve {
		ratio := min(max(1-db/floorDB, 0), 1)
		out[i] = int(ratio*float64(h) + 0.5)
	}

	return out
}

// runTUI runs the terminal UI until the user quits or ctx is done.
func runTUI(ctx context.Context, proc *dsp.Processor) error {
	if err := termbox.Init(); err != nil {
		return fmt.Errorf("failed to initialize TUI: %w", err)
	}
	defer termbox.Close()

	termbox.SetInputMode(termbox.InputEsc)

	m := newTUIModel(proc)

	irEvents := make(chan dsp.IREvent, 8)
	proc.AddIRListener(func(ev dsp.IREvent) {
		select {
		case irEvents <- ev:
		default:
		}
	})

	keys := make(chan termbox.Event)
	done := make(chan struct{})

	go func() {
		for {
			ev := termbox.PollEvent()
			if ev.Type == termbox.EventInterrupt {
				return
			}

			select {
			case keys <- ev:
			case <-done:
				return
			}
		}
	}()
	defer termbox.Interrupt()
	defer close(done)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	m.draw()

	for !m.exit {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-keys:
			if ev.Type == termbox.EventKey {
				m.handleKey(ev)
			}

			m.draw()
		case ev := <-irEvents:
			m.irEvent(ev)
			m.draw()
		case <-ticker.C:
			m.draw()
		}
	}

	return nil
}

func (m *tuiModel) draw() {
	_ = termbox.Clear(colDef, colDef)

	w, h := termbox.Size()
	params := m.proc.Params()
	ctx := m.proc.Context()

	printTB(0, 0, colCyan, colDef, "Multiband Convolution Reverb (mb-reverb)")
	printTB(0, 1, colWhite, colDef, fmt.Sprintf("%.0f Hz, block %d, %d ch, reverb latency %d samples",
		ctx.SampleRate, ctx.BlockSize, ctx.Channels, m.proc.Latency()))
	printTB(0, 2, colDef, colDef,
		"Up/Down select, Left/Right adjust (PgUp/PgDn coarse), Space toggle, l load IR, c clear IR, r reset, q quit")

	y := 4
	lastBand := -2

	for i, row := range m.rows {
		if row.band != lastBand {
			lastBand = row.band
			y++

			title := "Crossovers"
			if row.band >= 0 {
				title = fmt.Sprintf("Band %d  %s", row.band+1, m.irLabel(row.band))
			}

			printTB(0, y, colYellow, colDef, title)
			y++
		}

		spec, _ := params.Spec(row.id)
		fg, bg, prefix := colWhite, colDef, "  "

		if i == m.selected {
			fg, bg, prefix = colDef, colWhite, "> "
		}

		line := fmt.Sprintf("%s%-14s %12s  ", prefix, spec.Name, spec.Format(params.Get(row.id)))
		printTB(0, y, fg, bg, line)

		if !spec.Toggle {
			drawSlider(len(line), y, 30, params.Normalized(row.id))
		}

		y++
	}

	y++

	if m.editing {
		printTB(0, y, colGreen, colDef, fmt.Sprintf("Impulse response for band %d: %s_", m.current().band+1, string(m.input)))
	} else if m.status != "" {
		col := colGreen
		if m.statusErr {
			col = colRed
		}

		printTB(0, y, col, colDef, m.status)
	}

	m.drawSpectrum(y+2, w, h)

	termbox.Flush()
}

func (m *tuiModel) irLabel(band int) string {
	info, err := m.proc.BandInfo(band)
	if err != nil || !info.HasIR {
		return "(no impulse response)"
	}

	name := info.IRName
	if len(name) > 30 {
		name = name[:27] + "..."
	}

	return fmt.Sprintf("[%s, %d samples]", name, info.IRLen)
}

// drawSpectrum fills the screen from top to the bottom row with bars.
func (m *tuiModel) drawSpectrum(top, w, h int) {
	height := h - top - 1
	if height < 3 || w < 10 {
		return
	}

	a := m.proc.Analyzer()
	bars := barHeights(a.Curve(w, dsp.MinCrossoverHz, dsp.MaxCrossoverHz), a.FloorDB(), height)

	for x, n := range bars {
		for j := range n {
			termbox.SetCell(x, top+height-1-j, '█', colCyan, colDef)
		}
	}

	printTB(0, h-1, colDef, colDef, "20 Hz")

	label := "20 kHz"
	printTB(w-len(label), h-1, colDef, colDef, label)
}

func drawSlider(x, y, width int, norm float64) {
	filled := int(norm*float64(width) + 0.5)

	for i := range width {
		r := '░'
		if i < filled {
			r = '█'
		}

		termbox.SetCell(x+i, y, r, colGreen, colDef)
	}
}

func printTB(x, y int, fg, bg termbox.Attribute, msg string) {
	for _, c := range msg {
		termbox.SetCell(x, y, c, fg, bg)
		x++
	}
}
