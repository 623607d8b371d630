//
//  Copyright © Manetu Inc. All rights reserved.
//

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func capture(t *testing.T, module string, level zapcore.Level) (*Logger, *bytes.Buffer) {
	t.Helper()
	logger := newLogger(module)
	var buffer bytes.Buffer
	logger.SetOut(&buffer)
	logger.SetLevel(level)
	return logger, &buffer
}

func TestActorLogging(t *testing.T) {
	logger, buffer := capture(t, "testmodule", zapcore.InfoLevel)

	assert.True(t, logger.IsLevelEnabled(zapcore.InfoLevel))
	assert.False(t, logger.IsLevelEnabled(zapcore.DebugLevel))

	actorID := "tester"
	actionID := "123abc"

	// Below the configured level nothing is written
	logger.Debug(actorID, actionID, "debug message")
	logger.Debugf(actorID, actionID, "debug message %s", "hello")
	assert.Empty(t, buffer.Bytes())

	emitters := []func(){
		func() { logger.Info(actorID, actionID, "info message") },
		func() { logger.Infof(actorID, actionID, "info message %s", "hello") },
		func() { logger.Warn(actorID, actionID, "warning message") },
		func() { logger.Warnf(actorID, actionID, "warning message %s", "hello") },
		func() { logger.Error(actorID, actionID, "error message") },
		func() { logger.Errorf(actorID, actionID, "error message %s", "hello") },
	}
	for _, emit := range emitters {
		buffer.Reset()
		emit()
		assert.NotEmpty(t, buffer.Bytes())
	}

	// Fatal variants call os.Exit and are not exercised here

	buffer.Reset()
	defer func() {
		if r := recover(); r != nil {
			assert.NotEmpty(t, buffer.Bytes(), "panic should have logged something")
		}
	}()
	logger.Panic(actorID, actionID, "panic message")
}

func TestSysLogging(t *testing.T) {
	logger, buffer := capture(t, "testsysmodule", zapcore.ErrorLevel)

	assert.True(t, logger.IsLevelEnabled(zapcore.ErrorLevel))
	assert.False(t, logger.IsLevelEnabled(zapcore.DebugLevel))
	assert.False(t, logger.IsLevelEnabled(zapcore.InfoLevel))
	assert.False(t, logger.IsLevelEnabled(zapcore.WarnLevel))

	logger.SysDebug("debug message")
	logger.SysDebugf("debug message %s", "hello")
	logger.SysInfo("info message")
	logger.SysInfof("info message %s", "hello")
	logger.SysWarn("warning message")
	logger.SysWarnf("warning message %s", "hello")
	assert.Empty(t, buffer.Bytes())

	buffer.Reset()
	logger.SysError("error message")
	assert.NotEmpty(t, buffer.Bytes())
	buffer.Reset()
	logger.SysErrorf("error message %s", "hello")
	assert.NotEmpty(t, buffer.Bytes())

	buffer.Reset()
	defer func() {
		if r := recover(); r != nil {
			assert.NotEmpty(t, buffer.Bytes(), "panic should have logged something")
		}
	}()
	logger.SysPanic("panic message")
}
