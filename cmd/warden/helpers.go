package main

// ---------------------------------------------------------------------------
// helpers.go: TTY detection, color, warnings, env-based configuration
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/1sec-project/warden/internal/core"
)

const defaultConfigPath = "configs/warden.yaml"

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func cyan(s string) string   { return ansi("\033[36m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Env-based configuration
//
//   WARDEN_CONFIG   default config file path
//   WARDEN_HOST     API host override
//   WARDEN_PORT     API port override
//   WARDEN_API_KEY  API key
//   WARDEN_TOKEN    operator token
// ---------------------------------------------------------------------------

// configPath returns the config path, preferring flag > env > default.
func configPath() string {
	if opts.configPath != "" {
		return opts.configPath
	}
	if e := os.Getenv("WARDEN_CONFIG"); e != "" {
		return e
	}
	return defaultConfigPath
}

func loadConfig() (*core.Config, error) {
	return core.LoadConfig(configPath())
}

// apiBase builds the API URL from config with flag and env overrides.
func apiBase() string {
	host := "127.0.0.1"
	port := 1790
	if cfg, err := loadConfig(); err == nil {
		if cfg.Server.Host != "" && cfg.Server.Host != "0.0.0.0" {
			host = cfg.Server.Host
		}
		if cfg.Server.Port != 0 {
			port = cfg.Server.Port
		}
	}
	if e := os.Getenv("WARDEN_HOST"); e != "" {
		host = e
	}
	if e := os.Getenv("WARDEN_PORT"); e != "" {
		if p, err := strconv.Atoi(e); err == nil {
			port = p
		}
	}
	if opts.host != "" {
		host = opts.host
	}
	if opts.port != 0 {
		port = opts.port
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// tokenFile is where 'warden login --save' keeps the operator token.
func tokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "warden", "token")
}

// resolveCredential picks the credential sent to the API: operator token
// (flag, env, saved) before API key (flag, env, config).
func resolveCredential() string {
	if opts.token != "" {
		return opts.token
	}
	if e := os.Getenv("WARDEN_TOKEN"); e != "" {
		return e
	}
	if data, err := os.ReadFile(tokenFile()); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok
		}
	}
	if opts.apiKey != "" {
		return opts.apiKey
	}
	if e := os.Getenv("WARDEN_API_KEY"); e != "" {
		return e
	}
	if cfg, err := loadConfig(); err == nil && len(cfg.Server.APIKeys) > 0 {
		return cfg.Server.APIKeys[0]
	}
	return ""
}

func str(v interface{}) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%v", v)
}
