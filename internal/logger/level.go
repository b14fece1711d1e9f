// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "strings"

// DiffToInfo is the number of levels that come before the "Info" level. This
// should ensure that "Info" is the 0th level passed to the sink.
const DiffToInfo = 1

// Level is an enumeration representing the supported log severity levels. The
// order of the logging levels is important: a LogSink built on logr defaults
// InfoLevel to 0.
type Level int

const (
	// LevelOff suppresses logging.
	LevelOff Level = iota

	// LevelInfo enables logging of informational messages. These logs are
	// high-level information about normal driver behavior.
	LevelInfo

	// LevelDebug enables logging of debug messages. These logs can be
	// voluminous and are intended for detailed information that may be
	// helpful when debugging an application.
	LevelDebug
)

// LevelLiteralMap maps environment variable literals to Level values, using
// the severity names of RFC 5424.
var LevelLiteralMap = map[string]Level{
	"off":       LevelOff,
	"emergency": LevelInfo,
	"alert":     LevelInfo,
	"critical":  LevelInfo,
	"error":     LevelInfo,
	"warn":      LevelInfo,
	"notice":    LevelInfo,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelDebug,
}

// ParseLevel will check if the given string is a valid environment variable
// literal for a logging severity level. If it is, then it will return the
// Level. The default Level is "Off".
func ParseLevel(str string) Level {
	for literal, level := range LevelLiteralMap {
		if strings.EqualFold(literal, str) {
			return level
		}
	}

	return LevelOff
}
