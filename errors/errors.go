// Package errors provides quill's error construction helpers and the typed
// error taxonomy its components signal with. New and Wrapf stamp each error
// with the call site so a message read off a log or the terminal points back
// into the code.
package errors

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// New builds an error prefixed with the caller's file and line.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", callSite(), fmt.Sprintf(format, a...))
}

// Wrapf annotates err with context and the caller's file and line. A nil
// err stays nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", callSite(), fmt.Sprintf(format, a...), err)
}

func callSite() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
