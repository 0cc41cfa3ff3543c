// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging configures the logger shared by the vmlauncher binaries. A zap-backed
// logr.Logger is the root logger and log/slog is routed through it, so both APIs write the
// same structured stream.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options configures the logger.
type Options struct {
	// Development switches to human-readable console output with stack traces on warnings.
	Development bool

	// Verbosity enables logr V-levels up to and including its value. 0 logs Info and above.
	Verbosity int

	// Output defaults to os.Stderr.
	Output io.Writer
}

// Setup builds the root logger, installs it as the controller-runtime logger and makes it
// the backend of the default slog logger.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	verbosity := max(opts.Verbosity, 0)

	logger := zap.New(
		zap.UseDevMode(opts.Development),
		zap.WriteTo(out),
		zap.Level(zapcore.Level(-verbosity)),
	)

	ctrl.SetLogger(logger)
	slog.SetDefault(slog.New(logr.ToSlogHandler(logger)))

	return logger
}

// SetupDefault sets up production logging.
func SetupDefault() logr.Logger {
	return Setup(Options{})
}

// SetupDevelopment sets up development logging with V(1) enabled.
func SetupDevelopment() logr.Logger {
	return Setup(Options{Development: true, Verbosity: 1})
}
