package logging

import (
	"testing"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggers(t *testing.T) {
	loggers := MakeDefaultLoggers()
	assert.Equal(t, ldlog.Info, loggers.GetMinLevel())
	assert.False(t, loggers.IsDebugEnabled())
}

func TestStderrLoggers(t *testing.T) {
	loggers := MakeStderrLoggers()
	assert.Equal(t, ldlog.Info, loggers.GetMinLevel())
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]ldlog.LogLevel{
		"debug":  ldlog.Debug,
		"INFO":   ldlog.Info,
		" warn ": ldlog.Warn,
		"Error":  ldlog.Error,
		"none":   ldlog.None,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestWithPrefix(t *testing.T) {
	mockLog := ldlogtest.NewMockLog()
	loggers := WithPrefix(mockLog.Loggers, "[socks]")
	loggers.Warn("hello")
	mockLog.AssertMessageMatch(t, true, ldlog.Warn, `\[socks\] hello`)
}

func TestNewStdLogger(t *testing.T) {
	mockLog := ldlogtest.NewMockLog()
	l := NewStdLogger(mockLog.Loggers, ldlog.Warn)
	l.Printf("http: TLS handshake error from %s", "10.0.0.1:1234")
	mockLog.AssertMessageMatch(t, true, ldlog.Warn, "TLS handshake error from 10.0.0.1:1234")
}
