package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // validation failed
	ExitCommandError = 2 // bad flags, unreadable files, store errors
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func commandError(message string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, Message: message, Err: err}
}

// ExitCode extracts the exit code from an error. Plain errors map to
// ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope of every command's output.
type Response struct {
	Status string      `json:"status"` // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type formatter struct {
	format string
	w      io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *formatter {
	return &formatter{format: opts.Format, w: w}
}

func (f *formatter) json() bool { return f.format == "json" }

// success writes data as JSON, or calls text to render it for humans.
func (f *formatter) success(data interface{}, text func(io.Writer)) error {
	if f.json() {
		return json.NewEncoder(f.w).Encode(Response{Status: "ok", Data: data})
	}
	text(f.w)
	return nil
}

// failure reports err in the configured format and returns it.
func (f *formatter) failure(err error, data interface{}) error {
	if f.json() {
		_ = json.NewEncoder(f.w).Encode(Response{Status: "error", Data: data, Error: err.Error()})
		return err
	}
	fmt.Fprintf(f.w, "Error: %v\n", err)
	return err
}

func table(w io.Writer, header string, rows func(tw io.Writer)) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	tw.Flush()
}
