package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/authfetch/tui"
	"github.com/joho/godotenv"
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
var isTTY = func() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// withDisplayer runs fn with the TUI when interactive is set and with plain
// text on w otherwise.
func withDisplayer(w io.Writer, interactive bool, fn func(d tui.Displayer) error) error {
	if !interactive {
		d := tui.NewPlainDisplayer(w)
		d.Banner()
		return fn(d)
	}

	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner()
	runErr := fn(d)
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	return runErr
}
