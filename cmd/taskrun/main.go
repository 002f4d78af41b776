// Package main is the entry point for the taskrun controller CLI.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command tree and maps its error to a process exit code.
func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

// Exit statuses of `taskrun run`.
const (
	exitFailed  = 1
	exitAborted = 130
)

// exitCodeError carries a run's exit status out of cobra. The outcome has
// already been printed.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
