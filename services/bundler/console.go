package bundler

import (
	"fmt"
	"io"

	"github.com/gookit/color"
)

var (
	colArrow   = color.HEX("#FFEB3B")
	colSuccess = color.HEX("#1976D2")
	colError   = color.Error
)

func step(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s%s\n", colArrow.Sprint("-> "), fmt.Sprintf(format, args...))
}

func done(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s%s\n", colSuccess.Sprint("-> "), fmt.Sprintf(format, args...))
}

func fail(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s%s\n", colError.Sprint("-> "), fmt.Sprintf(format, args...))
}
