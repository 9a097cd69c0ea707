// Package utils
package utils

import (
	"io"
	"log"
	"os"
	"sync"
)

// DefaultLogFile is used when no log file is configured.
const DefaultLogFile = "book-stream.log"

var (
	logger *log.Logger
	once   sync.Once
)

// GetFileLogger creates the process logger on first use. With tee set, lines
// are copied to stderr as well. Later calls return the same logger whatever
// their arguments.
func GetFileLogger(path string, tee bool) *log.Logger {
	once.Do(func() {
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		var out io.Writer = file
		if tee {
			out = io.MultiWriter(file, os.Stderr)
		}
		logger = log.New(out, "Book Stream: ", log.LstdFlags|log.Lmicroseconds)
	})
	return logger
}
