package qpkg

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// Debug enables debugf output. Set once by the CLI before any work starts.
var Debug bool

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

func debugf(format string, args ...interface{}) {
	if Debug {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func infof(format string, args ...interface{}) {
	colArrow.Print("-> ")
	colSuccess.Printf(format, args...)
}

// stdoutIsTerminal gates progress bars so piped output stays clean.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
