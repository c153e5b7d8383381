package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/psync/pkg/errors"
)

// Mocked for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

type friendlyError interface {
	FriendlyMessage() string
}

// HandleFatalError prints `err` and exits. Errors that carry a friendly
// message are printed without the context added while propagating them, so
// that users see something actionable.
func HandleFatalError(err error) {
	var friendly friendlyError
	if errors.As(err, &friendly) {
		log.WithError(err).Debug("Fatal error")
		fmt.Fprintln(stderr, friendly.FriendlyMessage())
	} else {
		fmt.Fprintf(stderr, "Error: %s\n", err)
	}
	exit(1)
}

// HandlePanic recovers from a panic, logs the stack trace, and exits. It must
// be deferred by main.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Error("Unexpected panic")
		HandleFatalError(errors.New("unexpected panic: %v", r))
	}
}
