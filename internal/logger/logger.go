// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the internal logging solution for the driver.
package logger

import (
	"fmt"
	"os"
	"strconv"
)

// DefaultMaxDocumentLength is the default maximum length of a stringified BSON
// document in bytes.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix is the trailing ellipsis appended to a message to indicate
// to the user that truncation occurred. This constant does not count toward
// the max document length.
const TruncationSuffix = "..."

const logSinkPathEnvVar = "MONGODB_LOG_PATH"
const maxDocumentLengthEnvVar = "MONGODB_LOG_MAX_DOCUMENT_LENGTH"

// LogSink represents a logging implementation. It is specifically designed to
// be a subset of go-logr/logr's LogSink interface.
type LogSink interface {
	// Info logs a non-error message with the given key/value pairs. The
	// level argument is provided for optional logging.
	Info(level int, msg string, keysAndValues ...interface{})

	// Error logs an error, with the given message and key/value pairs.
	Error(err error, msg string, keysAndValues ...interface{})
}

// Logger represents the driver's logger. It is used to log messages either to
// OS or to a custom LogSink.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint
}

// New will construct a new logger. If the given LogSink is nil, the sink is
// chosen by MONGODB_LOG_PATH: when it is unset, "stdout" or "stderr", an
// emit-backed sink is used; any other value names a file that is appended to.
//
// The "componentLevels" parameter is a map of components to levels. If a
// component is not present, its level is sourced from the environment.
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) (*Logger, error) {
	logger := &Logger{
		ComponentLevels: selectComponentLevels(componentLevels),
	}

	maxDocumentLength, err := selectMaxDocumentLength(maxDocumentLength)
	if err != nil {
		return nil, err
	}
	logger.MaxDocumentLength = maxDocumentLength

	sink, err = selectLogSink(sink)
	if err != nil {
		return nil, err
	}
	logger.Sink = sink

	return logger, nil
}

// LevelComponentEnabled will return true if the given LogLevel is enabled for
// the given LogComponent. If the ComponentLevels on the logger are enabled for
// "ComponentAll", then this function will return true for any level bound by
// the level assigned to "ComponentAll".
func (logger *Logger) LevelComponentEnabled(level Level, component Component) bool {
	if logger == nil || logger.Sink == nil {
		return false
	}

	levelOfComponent := logger.ComponentLevels[component]
	if allLevel, ok := logger.ComponentLevels[ComponentAll]; ok && allLevel > levelOfComponent {
		levelOfComponent = allLevel
	}

	return levelOfComponent >= level
}

// Print will synchronously print the given message to the configured LogSink.
func (logger *Logger) Print(level Level, component Component, msg string, keysAndValues ...interface{}) {
	if !logger.LevelComponentEnabled(level, component) {
		return
	}

	logger.Sink.Info(int(level)-DiffToInfo, msg, keysAndValues...)
}

// Error logs an error, with the given message and key/value pairs.
func (logger *Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	if logger == nil || logger.Sink == nil {
		return
	}

	logger.Sink.Error(err, msg, keysAndValues...)
}

// Truncate will truncate a string to the given width, appending the truncation
// suffix and taking care not to split a multi-byte character.
func Truncate(str string, width uint) string {
	if width == 0 {
		return str
	}

	if len(str) <= int(width) {
		return str
	}

	newStr := str[:width]

	// If the last byte is the start of a multi-byte character, remove it.
	if newStr[len(newStr)-1]&0xC0 == 0xC0 {
		return newStr[:len(newStr)-1] + TruncationSuffix
	}

	// If the last byte is in the middle of a multi-byte character, step back
	// until the beginning of the character.
	if newStr[len(newStr)-1]&0xC0 == 0x80 {
		for i := len(newStr) - 1; i >= 0; i-- {
			if newStr[i]&0xC0 == 0xC0 {
				return newStr[:i] + TruncationSuffix
			}
		}
	}

	return newStr + TruncationSuffix
}

// FormatMessage formats a BSON document for logging, truncating it to the
// given width.
func FormatMessage(msg string, width uint) string {
	if len(msg) == 0 {
		msg = "{}"
	}

	return Truncate(msg, width)
}

func selectMaxDocumentLength(maxDocLen uint) (uint, error) {
	if maxDocLen != 0 {
		return maxDocLen, nil
	}

	maxDocLenEnv := os.Getenv(maxDocumentLengthEnvVar)
	if maxDocLenEnv != "" {
		maxDocLenEnvInt, err := strconv.ParseUint(maxDocLenEnv, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %q: %v", maxDocumentLengthEnvVar, err)
		}

		return uint(maxDocLenEnvInt), nil
	}

	return DefaultMaxDocumentLength, nil
}

const (
	logSinkPathStdout = "stdout"
	logSinkPathStderr = "stderr"
)

func selectLogSink(sink LogSink) (LogSink, error) {
	if sink != nil {
		return sink, nil
	}

	switch path := os.Getenv(logSinkPathEnvVar); path {
	case "", logSinkPathStdout, logSinkPathStderr:
		// emit writes structured lines to the standard streams itself.
		return NewEmitSink(), nil
	default:
		logFile, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("unable to open log path: %w", err)
		}

		return newOSSink(logFile), nil
	}
}

// selectComponentLevels returns a new map of LogComponents to LogLevels that
// is the result of merging the provided map with the environment-configured
// levels. The provided map takes priority.
func selectComponentLevels(componentLevels map[Component]Level) map[Component]Level {
	selected := getEnvComponentLevels()
	for component, level := range componentLevels {
		selected[component] = level
	}

	return selected
}

// getEnvComponentLevels returns a component-to-level mapping defined by the
// environment variables, with "MONGODB_LOG_ALL" taking priority.
func getEnvComponentLevels() map[Component]Level {
	componentLevels := make(map[Component]Level)

	if all := ParseLevel(os.Getenv(mongoDBLogAllEnvVar)); all != LevelOff {
		componentLevels[ComponentAll] = all
		return componentLevels
	}

	for envVar, component := range componentEnvVarMap {
		if envVar == mongoDBLogAllEnvVar {
			continue
		}
		componentLevels[component] = ParseLevel(os.Getenv(envVar))
	}

	return componentLevels
}
