// Package interactive provides terminal confirmation prompts.
package interactive

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks yes/no questions on a terminal.
type Prompter struct {
	in  io.Reader
	out io.Writer
}

// NewPrompter reads from stdin and writes to stderr.
func NewPrompter() *Prompter {
	return &Prompter{in: os.Stdin, out: os.Stderr}
}

// NewPrompterWith is the test seam.
func NewPrompterWith(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: in, out: out}
}

// Confirm asks a yes/no question and returns the answer. Anything other
// than "y"/"yes" counts as no. Fails when stdin is not a terminal, so
// unattended runs must pre-authorize instead of hanging.
func (p *Prompter) Confirm(prompt string) (bool, error) {
	if f, ok := p.in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, fmt.Errorf("cannot prompt: stdin is not a terminal (use --yes for unattended runs)")
	}

	fmt.Fprintf(p.out, "%s [y/N] ", prompt)

	reader := bufio.NewReader(p.in)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading response: %w", err)
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}
