package ui

import (
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Bars keeps one progress bar per active download.
type Bars struct {
	out io.Writer

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func NewBars(out io.Writer) *Bars {
	return &Bars{out: out, bars: make(map[string]*progressbar.ProgressBar)}
}

// Update moves the bar for fileID to have of total parts, creating it on
// first use.
func (b *Bars) Update(fileID, name string, have, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bar, ok := b.bars[fileID]
	if !ok {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(b.out),
			progressbar.OptionSetDescription(name),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(false),
		)
		b.bars[fileID] = bar
	}
	_ = bar.Set(have)
}

// Finish completes and forgets the bar for fileID.
func (b *Bars) Finish(fileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bar, ok := b.bars[fileID]; ok {
		_ = bar.Finish()
		delete(b.bars, fileID)
	}
}

// Drop abandons the bar for fileID without completing it.
func (b *Bars) Drop(fileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bar, ok := b.bars[fileID]; ok {
		_ = bar.Exit()
		delete(b.bars, fileID)
	}
}

func (b *Bars) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bars)
}

// lockedWriter lets the bars and the shell share one output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
