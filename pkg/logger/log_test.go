package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	defer SetupLogging("info", "text")

	require.NoError(t, SetupLogging("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, DefaultLogger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, DefaultLogger.Formatter)

	require.NoError(t, SetupLogging("", ""))
	assert.Equal(t, logrus.InfoLevel, DefaultLogger.GetLevel())

	assert.Error(t, SetupLogging("loud", "text"))
	assert.Error(t, SetupLogging("info", "xml"))
}
