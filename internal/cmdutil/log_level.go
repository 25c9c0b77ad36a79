package cmdutil

import (
	"fmt"
	"strings"

	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"
)

type levelFilter struct {
	value  level.Value
	option level.Option
}

var logLevels = map[string]levelFilter{
	"error": {level.ErrorValue(), level.AllowError()},
	"warn":  {level.WarnValue(), level.AllowWarn()},
	"info":  {level.InfoValue(), level.AllowInfo()},
	"debug": {level.DebugValue(), level.AllowDebug()},
}

// LogLevel selects which go-kit log levels are shown. It can be set from a
// flag or a YAML string. The zero value is the info level.
type LogLevel struct {
	name string
}

func (l LogLevel) filter() levelFilter {
	if f, ok := logLevels[l.name]; ok {
		return f
	}
	return logLevels["info"]
}

// String implements flag.Value.
func (l LogLevel) String() string { return l.filter().value.String() }

// Set implements flag.Value.
func (l *LogLevel) Set(in string) error {
	name := strings.ToLower(in)
	if _, ok := logLevels[name]; !ok {
		return fmt.Errorf("unknown log level %q, valid options error, warn, info, debug", in)
	}
	l.name = name
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *LogLevel) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return l.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (l LogLevel) MarshalYAML() (interface{}, error) { return l.String(), nil }

// FilterOption returns l for use with level.NewFilter.
func (l LogLevel) FilterOption() level.Option { return l.filter().option }
