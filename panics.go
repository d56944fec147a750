package asyncop

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError carries a recovered panic value and the stack at recovery.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// RecoverPanic is deferred by phase runners; it converts a panic into a
// *PanicError stored in errp.
func RecoverPanic(errp *error) {
	if v := recover(); v != nil {
		*errp = &PanicError{Value: v, Stack: string(CaptureStack(true))}
	}
}

// CaptureStack returns the current goroutine stack. When fromPanic is true
// the frames up to and including the runtime panic call are dropped.
func CaptureStack(fromPanic bool) []byte {
	buf := make([]byte, 8096)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	if !fromPanic {
		return buf
	}
	return cleanStackTrace(buf)
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
