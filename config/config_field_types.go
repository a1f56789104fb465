package config

import (
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/logging"
)

// OptLogLevel is an optional log level, one of "debug", "info", "warn",
// "error" or "none" in any case.
//
// The zero value is valid and undefined.
type OptLogLevel struct {
	level ldlog.LogLevel
}

// NewOptLogLevel wraps level.
func NewOptLogLevel(level ldlog.LogLevel) OptLogLevel {
	return OptLogLevel{level: level}
}

// IsDefined returns true if the instance contains a value.
func (o OptLogLevel) IsDefined() bool {
	return o.level != 0
}

// GetOrElse returns the wrapped value, or orElse if there is none.
func (o OptLogLevel) GetOrElse(orElse ldlog.LogLevel) ldlog.LogLevel {
	if o.level == 0 {
		return orElse
	}
	return o.level
}

// UnmarshalText implements encoding.TextUnmarshaler for both the file parser
// and the environment reader.
func (o *OptLogLevel) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*o = OptLogLevel{}
		return nil
	}
	level, err := logging.ParseLevel(string(data))
	if err != nil {
		return err
	}
	*o = NewOptLogLevel(level)
	return nil
}
