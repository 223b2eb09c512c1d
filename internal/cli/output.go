package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AndreasM009/agentstate-go/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The store rejected the operation (conflict, not found, ...)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, backend down)
)

// ExitError represents an error with a specific exit code.
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

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
}

// CLIResponse is the JSON envelope of every command's output.
type CLIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *CLIError   `json:"error,omitempty"`
}

// CLIError describes a failed command in JSON output.
type CLIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	switch v := data.(type) {
	case *store.Record:
		writeRecord(f.Writer, v)
	case []store.Event:
		writeEvents(f.Writer, v)
	default:
		fmt.Fprintln(f.Writer, data)
	}
	return nil
}

// Error outputs a failed result. In text mode the error is only returned.
func (f *OutputFormatter) Error(err error) error {
	if f.Format == "json" {
		if encodeErr := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Type: store.TypeOf(err).String(), Message: err.Error()},
		}); encodeErr != nil {
			return encodeErr
		}
	}
	return err
}

func writeRecord(w io.Writer, rec *store.Record) {
	if rec == nil {
		fmt.Fprintln(w, "not found")
		return
	}
	fmt.Fprintf(w, "id:         %s\n", rec.ServerID)
	fmt.Fprintf(w, "kind:       %s\n", rec.Kind)
	fmt.Fprintf(w, "client key: %s\n", rec.ClientKey)
	fmt.Fprintf(w, "scope:      %s\n", rec.AppScope)
	fmt.Fprintf(w, "owner:      %s\n", rec.OwnerID)
	fmt.Fprintf(w, "version:    %d\n", rec.Version)
	if rec.State != "" {
		fmt.Fprintf(w, "state:      %s\n", rec.State)
	}
	if len(rec.Attributes) > 0 {
		keys := make([]string, 0, len(rec.Attributes))
		for k := range rec.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "attributes:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %v\n", k, rec.Attributes[k])
		}
	}
	fmt.Fprintf(w, "events:     %d\n", len(rec.EventLog))
	if len(rec.Data) > 0 {
		fmt.Fprintf(w, "data:       %s\n", strings.TrimSpace(string(rec.Data)))
	}
}

func writeEvents(w io.Writer, events []store.Event) {
	for _, e := range events {
		line := fmt.Sprintf("%s  %-8s %-9s", e.ID, e.Kind, e.Role)
		if e.CorrelationID != "" {
			line += " [" + e.CorrelationID + "]"
		}
		if len(e.Payload) > 0 {
			line += " " + string(e.Payload)
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}
