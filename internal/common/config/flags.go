package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// LogLevelFlag implements flag.Value for a slog.Level
type LogLevelFlag slog.Level

func (f *LogLevelFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.ToLower(slog.Level(*f).String())
}

func (f *LogLevelFlag) Set(value string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", value, err)
	}
	*f = LogLevelFlag(level)
	return nil
}

// Level returns the parsed level
func (f LogLevelFlag) Level() slog.Level {
	return slog.Level(f)
}

// Uint32SliceFlag implements flag.Value for a slice of uint32
type Uint32SliceFlag []uint32

func (f *Uint32SliceFlag) String() string {
	if f == nil {
		return ""
	}
	strs := make([]string, len(*f))
	for i, v := range *f {
		strs[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(strs, ",")
}

// Set replaces any default ports with the parsed list
func (f *Uint32SliceFlag) Set(value string) error {
	var ports []uint32
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port value %q: %w", part, err)
		}
		ports = append(ports, uint32(v))
	}
	*f = ports
	return nil
}
