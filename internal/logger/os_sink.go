// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"encoding/json"
	"log"
	"math"
	"os"
	"time"
)

// osSink writes to a file named by MONGODB_LOG_PATH: command started,
// succeeded and failed messages as formatted text, other messages as JSON.
type osSink struct {
	log *log.Logger
}

func newOSSink(out *os.File) LogSink {
	return &osSink{
		log: log.New(out, "", log.LstdFlags),
	}
}

func logCommandMessageStarted(log *log.Logger, kvMap map[string]interface{}) {
	format := "Command %q started on database %q using a connection with " +
		"driver-generated ID %d to %s:%d. The requestID is %d and " +
		"the operation ID is %q. Command: %s"

	log.Printf(format,
		kvMap[KeyCommandName],
		kvMap[KeyDatabaseName],
		kvMap[KeyDriverConnectionID],
		kvMap[KeyServerHost],
		kvMap[KeyServerPort],
		kvMap[KeyRequestID],
		kvMap[KeyOperationID],
		kvMap[KeyCommand])
}

func logCommandMessageSucceeded(log *log.Logger, kvMap map[string]interface{}) {
	format := "Command %q succeeded in %d ms using driver-generated ID " +
		"%d to %s:%d. The requestID is %d and the operation ID is " +
		"%q. Command reply: %s"

	log.Printf(format,
		kvMap[KeyCommandName],
		kvMap[KeyDurationMS],
		kvMap[KeyDriverConnectionID],
		kvMap[KeyServerHost],
		kvMap[KeyServerPort],
		kvMap[KeyRequestID],
		kvMap[KeyOperationID],
		kvMap[KeyReply])
}

func logCommandMessageFailed(log *log.Logger, kvMap map[string]interface{}) {
	format := "Command %q failed in %d ms using a connection with " +
		"driver-generated ID %d to %s:%d. The requestID is %d and " +
		"the operation ID is %q. Error: %s"

	log.Printf(format,
		kvMap[KeyCommandName],
		kvMap[KeyDurationMS],
		kvMap[KeyDriverConnectionID],
		kvMap[KeyServerHost],
		kvMap[KeyServerPort],
		kvMap[KeyRequestID],
		kvMap[KeyOperationID],
		kvMap[KeyFailure])
}

// Info implements the LogSink interface.
func (sink *osSink) Info(_ int, msg string, keysAndValues ...interface{}) {
	kvMap := make(map[string]interface{})
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		kvMap[key] = keysAndValues[i+1]
	}

	switch msg {
	case CommandStarted:
		logCommandMessageStarted(sink.log, kvMap)
	case CommandSucceeded:
		logCommandMessageSucceeded(sink.log, kvMap)
	case CommandFailed:
		logCommandMessageFailed(sink.log, kvMap)
	default:
		kvMap[KeyMessage] = msg
		kvMap["timestamp"] = time.Now().UnixNano() / int64(math.Pow10(6))
		buf, err := json.Marshal(kvMap)
		if err != nil {
			sink.log.Printf("%s: %v", msg, kvMap)
			return
		}
		sink.log.Print(string(buf))
	}
}

// Error implements the LogSink interface.
func (sink *osSink) Error(err error, msg string, kv ...interface{}) {
	kv = append(kv, KeyFailure, err.Error())
	sink.Info(0, msg, kv...)
}
