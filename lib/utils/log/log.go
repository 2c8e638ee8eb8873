/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logutils provides slog helpers shared across the gateway.
package logutils

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewPackageLogger returns a logger carrying the given key/value attrs,
// typically (aussie.ComponentKey, component name). Packages declare it once
// at file scope:
//
//	var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.Component("jwks"))
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Init configures the process-wide default logger. Output is "stderr",
// "stdout" or a file path; format is "text" or "json".
func Init(output, format, level string) error {
	var w io.Writer
	switch output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// InitForTests sets up a default logger suitable for test output. Debug
// logging is enabled when AUSSIE_DEBUG is set.
func InitForTests() {
	level := slog.LevelWarn
	if os.Getenv("AUSSIE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
