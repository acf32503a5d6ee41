package prettyerror

import (
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/transcript"
	"io"
	"os"
	"runtime/debug"
)

// Guard runs fn and pretty-prints the error it returns.
// The returned value is the exit code the process should terminate with.
func Guard(w io.Writer, fn func() error) (code int) {
	defer func() {
		if recovered := recover(); recovered != nil {
			fmt.Fprintf(w, "panic: %v\n\n%s", recovered, debug.Stack())
			code = 1
		}
	}()

	err := fn()
	if err == nil {
		return 0
	}
	Print(w, err)
	return 1
}

// Run runs fn inside Guard writing to stderr and exits the process if it failed
func Run(fn func() error) {
	if code := Guard(os.Stderr, fn); code != 0 {
		os.Exit(code)
	}
}

// Print writes a human-readable representation of err, including the transcript of the response that caused it
func Print(w io.Writer, err error) {
	var bad *checks.BadResponseError
	if errors.As(err, &bad) {
		if bad.Cause != nil {
			fmt.Fprintf(w, "Error: %v\n", bad.Cause)
		} else {
			fmt.Fprintln(w, "Error: Bad Response")
		}
		if bad.Response == nil {
			return
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Caused by response:")
		fmt.Fprintln(w, transcript.Indent(bad.Response.Transcript(), "  "))
		return
	}

	if res := httpcall.ResponseOf(err); res != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		fmt.Fprintln(w)
		fmt.Fprintln(w, res.Transcript())
		return
	}

	fmt.Fprintf(w, "Error: %v\n", err)
}

// Step announces a named step, runs fn and marks the step as passed or failed
func Step(w io.Writer, name string, fn func() error) error {
	fmt.Fprint(w, "… "+name)
	if err := fn(); err != nil {
		fmt.Fprintln(w, "\r✗ "+name)
		return err
	}
	fmt.Fprintln(w, "\r✓ "+name)
	return nil
}
