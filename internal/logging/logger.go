package logging

import (
	"io"
	"log"
	"os"
	"sync"
)

// Logger is a leveled printf-style logger. Info and Error always print;
// Debug prints only when debug mode was enabled at Initialize time.
type Logger struct {
	debug bool
	out   *log.Logger
}

var (
	mu     sync.RWMutex
	global *Logger
)

// Initialize installs the process-wide logger. Must be called before any
// logging helpers; calls made without it are dropped.
func Initialize(debugMode bool) {
	// Follow whatever destination the stdlib log package was pointed at,
	// falling back to stdout for the default stderr.
	var output io.Writer = os.Stdout
	if log.Writer() != os.Stderr {
		output = log.Writer()
	}

	InitializeWithWriter(debugMode, output)
}

// InitializeWithWriter installs the process-wide logger writing to w.
// Stdio transports use this to keep stdout clean for the protocol.
func InitializeWithWriter(debugMode bool, w io.Writer) {
	mu.Lock()
	global = &Logger{
		debug: debugMode,
		out:   log.New(w, "", log.LstdFlags),
	}
	mu.Unlock()
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Info logs an informational message.
func Info(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.out.Printf(format, args...)
	}
}

// Debug logs a message visible only in debug mode.
func Debug(format string, args ...interface{}) {
	if l := current(); l != nil && l.debug {
		l.out.Printf("DEBUG: "+format, args...)
	}
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.out.Printf("ERROR: "+format, args...)
	}
}

// IsDebugEnabled reports whether debug logging is active.
func IsDebugEnabled() bool {
	l := current()
	return l != nil && l.debug
}
