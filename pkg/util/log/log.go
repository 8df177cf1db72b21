// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements the levelled logging facade used across the image
// viewer services. It wraps seelog behind package-level functions so callers
// never hold a logger instance.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *viewerLogger

	// Lines logged before Setup is called are buffered and replayed once the
	// logger exists. Loading the configuration happens before logger setup, so
	// this buffer should be very short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 2
)

// viewerLogger wraps a seelog logger with a mutable level.
type viewerLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

const defaultLogFormat = "%Date(2006-01-02 15:04:05 MST) | %LEVEL | (%ShortFilePath:%Line in %FuncShort) | %Msg%n"

// Setup configures the package logger with the given minimum level. It is
// called once at process start by every subcommand.
func Setup(level string) error {
	inner, err := seelog.LoggerFromConfigAsString(fmt.Sprintf(
		`<seelog minlevel="%s"><outputs formatid="common"><console/></outputs><formats><format id="common" format=%q/></formats></seelog>`,
		strings.ToLower(level), defaultLogFormat))
	if err != nil {
		return err
	}
	SetupLogger(inner, level)
	return nil
}

// SetupLogger installs l as the shared logger and replays buffered lines.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger = &viewerLogger{
		inner: l,
		level: lvl,
	}

	// The exported functions add one frame between the caller and seelog.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	bufferLogsBeforeInit = false
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// ChangeLogLevel updates the minimum level of the shared logger.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("cannot change loglevel: logger not initialized")
	}
	logger.l.Lock()
	defer logger.l.Unlock()
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	logger.level = lvl
	return nil
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *viewerLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	shouldLog := level >= sw.level
	sw.l.RUnlock()

	return shouldLog
}

func (sw *viewerLogger) tracef(format string, params ...interface{}) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Trace(fmt.Sprintf(format, params...))
}

func (sw *viewerLogger) debugf(format string, params ...interface{}) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Debug(fmt.Sprintf(format, params...))
}

func (sw *viewerLogger) infof(format string, params ...interface{}) {
	sw.l.Lock()
	defer sw.l.Unlock()
	sw.inner.Info(fmt.Sprintf(format, params...))
}

func (sw *viewerLogger) warnf(format string, params ...interface{}) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Warn(fmt.Sprintf(format, params...))
}

func (sw *viewerLogger) errorf(format string, params ...interface{}) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Error(fmt.Sprintf(format, params...))
}

func (sw *viewerLogger) criticalf(format string, params ...interface{}) error {
	sw.l.Lock()
	defer sw.l.Unlock()
	return sw.inner.Critical(fmt.Sprintf(format, params...))
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	if logger == nil {
		if bufferLogsBeforeInit {
			addLogToBuffer(func() { Tracef(format, params...) })
		}
		return
	}
	if logger.shouldLog(seelog.TraceLvl) {
		logger.tracef(format, params...)
	}
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	if logger == nil {
		if bufferLogsBeforeInit {
			addLogToBuffer(func() { Debugf(format, params...) })
		}
		return
	}
	if logger.shouldLog(seelog.DebugLvl) {
		logger.debugf(format, params...)
	}
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	if logger == nil {
		if bufferLogsBeforeInit {
			addLogToBuffer(func() { Infof(format, params...) })
		}
		return
	}
	if logger.shouldLog(seelog.InfoLvl) {
		logger.infof(format, params...)
	}
}

// Warnf logs with format at the warn level and returns the formatted error
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		if bufferLogsBeforeInit {
			addLogToBuffer(func() { Warnf(format, params...) }) //nolint:errcheck
		}
		return err
	}
	if logger.shouldLog(seelog.WarnLvl) {
		logger.warnf(format, params...) //nolint:errcheck
	}
	return err
}

// Errorf logs with format at the error level and returns the formatted error
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		if bufferLogsBeforeInit {
			addLogToBuffer(func() { Errorf(format, params...) }) //nolint:errcheck
		}
		return err
	}
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.errorf(format, params...) //nolint:errcheck
	}
	return err
}

// Criticalf logs with format at the critical level and returns the formatted error
func Criticalf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		if bufferLogsBeforeInit {
			addLogToBuffer(func() { Criticalf(format, params...) }) //nolint:errcheck
		}
		return err
	}
	if logger.shouldLog(seelog.CriticalLvl) {
		logger.criticalf(format, params...) //nolint:errcheck
	}
	return err
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
