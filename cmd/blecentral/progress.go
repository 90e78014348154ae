package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter displays a single-line status with elapsed time while a
// command waits on the radio. It stays quiet when stdout is not a terminal so
// piped output is never polluted.
//
// A progressPrinter is single-use: Start at most once, Stop exactly once.
type progressPrinter struct {
	prefix    string
	phase     atomic.Value // current phase string
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	enabled   bool
}

func newProgressPrinter(prefix, phase string) *progressPrinter {
	p := &progressPrinter{
		prefix:  prefix,
		enabled: term.IsTerminal(int(os.Stderr.Fd())),
	}
	p.phase.Store(phase)
	return p
}

// SetPhase updates the displayed phase name. Safe from any goroutine.
func (p *progressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Start begins displaying progress updates in a background goroutine.
func (p *progressPrinter) Start() {
	if !p.enabled {
		return
	}

	p.startTime = time.Now()
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprintf(os.Stderr, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				elapsed := int(time.Since(p.startTime).Seconds())
				fmt.Fprintf(os.Stderr, "\r%s (%s %ds)   ", p.prefix, p.phase.Load().(string), elapsed)
			}
		}
	}()
}

// Stop stops the progress display and clears the line. Safe to call multiple
// times; only the first call tears down the goroutine.
func (p *progressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(os.Stderr, clearLineSequence)
}
