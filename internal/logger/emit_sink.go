// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"fmt"
	"time"

	"github.com/cloudresty/emit"
)

// emitSink is the default LogSink. It forwards messages to the emit structured
// logger, converting logr-style key/value pairs into emit fields.
type emitSink struct{}

// NewEmitSink returns a LogSink backed by the emit structured logger.
func NewEmitSink() LogSink {
	return emitSink{}
}

// Info implements the LogSink interface.
func (emitSink) Info(level int, msg string, keysAndValues ...interface{}) {
	if level+DiffToInfo >= int(LevelDebug) {
		emit.Debug.StructuredFields(msg, convertFields(keysAndValues)...)
		return
	}

	emit.Info.StructuredFields(msg, convertFields(keysAndValues)...)
}

// Error implements the LogSink interface.
func (emitSink) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := convertFields(keysAndValues)
	fields = append(fields, emit.ZString("error", err.Error()))
	emit.Error.StructuredFields(msg, fields...)
}

func convertFields(keysAndValues []interface{}) []emit.ZField {
	fields := make([]emit.ZField, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}

		switch v := keysAndValues[i+1].(type) {
		case string:
			fields = append(fields, emit.ZString(key, v))
		case int:
			fields = append(fields, emit.ZInt(key, v))
		case int32:
			fields = append(fields, emit.ZInt(key, int(v)))
		case int64:
			fields = append(fields, emit.ZInt64(key, v))
		case uint64:
			fields = append(fields, emit.ZInt64(key, int64(v)))
		case time.Duration:
			fields = append(fields, emit.ZDuration(key, v))
		case bool:
			fields = append(fields, emit.ZBool(key, v))
		case error:
			fields = append(fields, emit.ZString(key, v.Error()))
		default:
			fields = append(fields, emit.ZString(key, fmt.Sprintf("%v", v)))
		}
	}

	return fields
}
