package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// pkg/errors does not export this interface, but every error it creates with a stack implements it.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// WithStacktrace adds err and, when err or one of its causes carries a pkg/errors stack, the outermost
// such stack to logger.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the stack of the outermost error in the chain of err that recorded one.
func ExtractStack(err error) errors.StackTrace {
	var tracer stackTracer
	if errors.As(err, &tracer) {
		return tracer.StackTrace()
	}
	return nil
}

// StackLines renders the stack of err one frame per string, as stored in dead letters.
func StackLines(err error) []string {
	stack := ExtractStack(err)
	if stack == nil {
		return nil
	}
	lines := make([]string, len(stack))
	for i, frame := range stack {
		lines[i] = fmtFrame(frame)
	}
	return lines
}
