package cmd

import (
	"fmt"
	"io"

	"github.com/gookit/color"
)

// printer writes cargo-style status lines: a right-aligned coloured verb
// followed by the message
type printer struct {
	w      io.Writer
	silent bool
}

func (p printer) status(verb, format string, args ...any) {
	p.line(color.Green, verb, format, args...)
}

func (p printer) warn(format string, args ...any) {
	p.line(color.Yellow, "Warning", format, args...)
}

// failure is printed even when silent
func (p printer) failure(verb, format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", color.Red.Sprintf("%12s", verb), fmt.Sprintf(format, args...))
}

func (p printer) line(c color.Color, verb, format string, args ...any) {
	if p.silent {
		return
	}

	fmt.Fprintf(p.w, "%s %s\n", c.Sprintf("%12s", verb), fmt.Sprintf(format, args...))
}
