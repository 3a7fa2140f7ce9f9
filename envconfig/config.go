// Package envconfig reads the environment variables which override the built in defaults.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DataDir is the directory holding the corpus files, configs and run outputs.
// Configurable via DEEPANOMALY_DATA, default: $HOME/.deepanomaly
func DataDir() string {
	if s := Var("DEEPANOMALY_DATA"); s != "" {
		return s
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deepanomaly"
	}
	return filepath.Join(home, ".deepanomaly")
}

// Host is the listen address for the web viewer.
// Configurable via DEEPANOMALY_HOST, default: 127.0.0.1:8080
func Host() string {
	const defaultPort = "8080"
	s := strings.TrimPrefix(Var("DEEPANOMALY_HOST"), "http://")
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(s, "[]")); ip != nil {
			host = ip.String()
		} else if s != "" {
			host = s
		}
	}
	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

// LogLevel from DEEPANOMALY_DEBUG: true or 1 enables debug logging, 2 and above enable trace output.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DEEPANOMALY_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// Var returns an environment variable stripped of leading and trailing quotes and spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DEEPANOMALY_DATA":  {"DEEPANOMALY_DATA", DataDir(), "Directory for corpus files, configs and run outputs (default ~/.deepanomaly)"},
		"DEEPANOMALY_DEBUG": {"DEEPANOMALY_DEBUG", LogLevel(), "Show additional debug information (e.g. DEEPANOMALY_DEBUG=1)"},
		"DEEPANOMALY_HOST":  {"DEEPANOMALY_HOST", Host(), "Listen address for the web viewer (default 127.0.0.1:8080)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
