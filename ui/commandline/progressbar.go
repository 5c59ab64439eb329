// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// StepFn runs one step of RunWithProgressBar.
type StepFn func(step int) error

// Output is where the progress bar is written to.
var Output io.Writer = os.Stdout

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal supports the symbols.
var ProgressbarStyle = progressbar.ThemeASCII

// UpdatePeriod is the minimum time between redraws of the statistics table.
var UpdatePeriod = 200 * time.Millisecond

type progressBar struct {
	numSteps int
	bar      *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressBarUpdate
	drawDone      sync.WaitGroup

	// durations of the steps received so far, owned by drawLoop.
	durations []time.Duration

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount   int
	step     int
	duration time.Duration
}

// Write implements io.Writer for the enclosed progressbar.ProgressBar, erasing spurious characters
// left from previous prints.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = Output.Write(data)
	if err != nil {
		return n, err
	}
	_, err = Output.Write([]byte("\033[J"))
	return
}

func newProgressBar(description string, numSteps int, extraMetrics []ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		numSteps:       numSteps,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(Output),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     NewTable(),
		updates:        make(chan progressBarUpdate, 100),
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%-14s[bold]", description)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	pBar.drawDone.Add(1)
	go pBar.drawLoop()
	return pBar
}

// drawLoop asynchronously draws updates, at most once every UpdatePeriod.
// Steps only block on a slow terminal if the buffer of pending updates fills up.
func (pBar *progressBar) drawLoop() {
	defer pBar.drawDone.Done()
	for update := range pBar.updates {
		amount := update.amount
		pBar.durations = append(pBar.durations, update.duration)
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				pBar.durations = append(pBar.durations, newUpdate.duration)
				update = newUpdate
			default:
				break exhaust
			}
		}
		pBar.draw(update, amount)
		time.Sleep(UpdatePeriod)
	}
}

func (pBar *progressBar) draw(update progressBarUpdate, amount int) {
	pBar.statsTable.Data(lgtable.NewStringData())
	pBar.statsTable.Row("Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(update.step)), humanize.Comma(int64(pBar.numSteps))))
	pBar.statsTable.Row("Median step duration", FormatDuration(MedianDuration(pBar.durations)))
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		pBar.statsTable.Row(name, value)
	}

	pBar.termenv.HideCursor()
	if !pBar.isFirstOutput {
		// Table rows, its 2 borders, the bar and the empty line.
		numLinesToBackup := 2 + len(pBar.extraMetricFns) + 2 + 2
		pBar.termenv.CursorPrevLine(numLinesToBackup)
	}
	pBar.isFirstOutput = false
	_, _ = fmt.Fprintln(Output, pBar.statsStyle.Render(pBar.statsTable.String()))
	_ = pBar.bar.Add(amount)
	_, _ = fmt.Fprintln(Output)
	pBar.termenv.ShowCursor()
}

func (pBar *progressBar) finish() {
	close(pBar.updates)
	pBar.drawDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(Output)
}

// RunWithProgressBar calls stepFn numSteps times, sequentially, displaying a progress bar and a table
// with the step count, the median step duration and the optional extraMetrics.
//
// It returns the median duration of the steps run. If a step fails, it stops and returns the error,
// annotated with the step number.
func RunWithProgressBar(description string, numSteps int, stepFn StepFn, extraMetrics ...ExtraMetricFn) (
	median time.Duration, err error) {
	if numSteps <= 0 {
		return 0, errors.Errorf("RunWithProgressBar requires numSteps > 0, got %d", numSteps)
	}
	pBar := newProgressBar(description, numSteps, extraMetrics)
	durations := make([]time.Duration, 0, numSteps)
	for step := range numSteps {
		start := time.Now()
		err = stepFn(step)
		if err != nil {
			err = errors.WithMessagef(err, "step %d of %d failed", step, numSteps)
			break
		}
		elapsed := time.Since(start)
		durations = append(durations, elapsed)
		pBar.updates <- progressBarUpdate{amount: 1, step: step + 1, duration: elapsed}
	}
	pBar.finish()
	return MedianDuration(durations), err
}
