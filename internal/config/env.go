// Package config provides configuration helpers for go-talkback commands.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv reads .env files into the process environment. Variables that
// are already set win. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// String returns the env var or def when unset or blank.
func String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Int returns the env var as an int, or def when unset or malformed.
func Int(key string, def int) int {
	if v, err := strconv.Atoi(String(key, "")); err == nil {
		return v
	}
	return def
}

// Bool returns the env var as a bool, or def when unset or malformed.
func Bool(key string, def bool) bool {
	if v, err := strconv.ParseBool(String(key, "")); err == nil {
		return v
	}
	return def
}

// Duration reads a Go duration ("15s"). A bare number is seconds.
func Duration(key string, def time.Duration) time.Duration {
	v := String(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}

// List splits a comma-separated env var into lowercase names.
func List(key string, def []string) []string {
	v := String(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
