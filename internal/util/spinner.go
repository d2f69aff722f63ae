package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
)

// UISpinner shows progress on the terminal. In debug mode it prints plain
// lines instead so the spinner does not garble log output.
type UISpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	debug bool
}

// NewUISpinner starts a spinner with the given message.
func NewUISpinner(debug bool, message string) *UISpinner {
	s := &UISpinner{debug: debug, out: os.Stdout}

	if debug {
		fmt.Fprintf(s.out, "[DEBUG] %s\n", message)
		return s
	}
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.out))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Update replaces the spinner message.
func (s *UISpinner) Update(message string) {
	if s.debug {
		fmt.Fprintf(s.out, "[DEBUG] %s\n", message)
		return
	}
	s.sp.Lock()
	s.sp.Suffix = " " + message
	s.sp.Unlock()
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.finish("✓", message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.finish("✗", message)
}

// Stop stops the spinner without printing anything
func (s *UISpinner) Stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
	}
}

func (s *UISpinner) finish(mark, message string) {
	if s.debug {
		fmt.Fprintf(s.out, "[DEBUG] %s %s\n", mark, message)
		return
	}
	s.sp.Stop()
	fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message)
}
