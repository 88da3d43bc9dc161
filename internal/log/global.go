package log

import "sync"

var global struct {
	mu     sync.Mutex
	logger *Logger
}

// SetDefaultLogger replaces the process-wide default logger.
func SetDefaultLogger(l *Logger) {
	global.mu.Lock()
	global.logger = l
	global.mu.Unlock()
}

// DefaultLogger returns the process-wide default, creating one with
// standard settings on first use.
func DefaultLogger() *Logger {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.logger == nil {
		global.logger = Default()
	}
	return global.logger
}
