package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Consent asks the operator on the terminal before a capture starts.
//
// Input is read by a single goroutine for the life of the Consent, so a prompt
// that timed out leaves nothing behind that could swallow the answer to the
// next one.
type Consent struct {
	in   io.Reader
	out  io.Writer
	auto bool

	prompt sync.Mutex // one prompt at a time

	once    sync.Once
	answers chan string
	done    chan struct{} // closed when input ends; err is set before
	err     error
}

// NewConsent prompts on stdin/stdout. With auto set every request is
// accepted without asking.
func NewConsent(auto bool) *Consent {
	return &Consent{in: os.Stdin, out: os.Stdout, auto: auto}
}

// terminal returns the input's file descriptor when it is a terminal.
func (c *Consent) terminal() (int, bool) {
	f, ok := c.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	return int(f.Fd()), true
}

func (c *Consent) startReader() {
	c.answers = make(chan string)
	c.done = make(chan struct{})
	go c.readLoop()
}

// readLoop feeds answers until the input fails. A terminal delivers single
// keys while a prompt holds it in raw mode; any other input is read by line.
func (c *Consent) readLoop() {
	defer close(c.done)

	if _, ok := c.terminal(); ok {
		var b [1]byte
		for {
			if _, err := c.in.Read(b[:]); err != nil {
				c.err = err
				return
			}
			c.answers <- strings.ToLower(string(b[:]))
		}
	}

	r := bufio.NewReader(c.in)
	for {
		line, err := r.ReadString('\n')
		if line != "" || err == nil {
			c.answers <- strings.ToLower(strings.TrimSpace(line))
		}
		if err != nil {
			c.err = err
			return
		}
	}
}

// Confirm returns true when the operator allows capturing device. A cancelled
// context counts as a refusal.
func (c *Consent) Confirm(ctx context.Context, device string) (bool, error) {
	if c.auto {
		fmt.Fprintf(c.out, "%s Screen capture of %s granted automatically\n", color.GreenString("✓"), device)
		return true, nil
	}

	c.prompt.Lock()
	defer c.prompt.Unlock()
	c.once.Do(c.startReader)

	fmt.Fprintf(c.out, "%s Allow a remote viewer to capture the screen of %s? [y/N] ",
		color.CyanString("?"), color.New(color.Bold).Sprint(device))

	if fd, ok := c.terminal(); ok {
		state, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintln(c.out)
			return false, fmt.Errorf("failed to set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	select {
	case <-ctx.Done():
		fmt.Fprint(c.out, "\r\n")
		return false, ctx.Err()
	case <-c.done:
		fmt.Fprint(c.out, "\r\n")
		return false, c.err
	case a := <-c.answers:
		fmt.Fprint(c.out, "\r\n")
		ok := a == "y" || a == "yes"
		if ok {
			fmt.Fprintf(c.out, "%s Screen capture allowed\r\n", color.GreenString("✓"))
		} else {
			fmt.Fprintf(c.out, "%s Screen capture refused\r\n", color.RedString("✗"))
		}
		return ok, nil
	}
}
