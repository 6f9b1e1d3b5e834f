/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */


package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-gemini/internal/config"
	"github.com/loqalabs/loqa-gemini/internal/logging"
	"github.com/loqalabs/loqa-gemini/internal/server"
)

const shutdownTimeout = 30 * time.Second

var (
	timeout time.Duration

	cfg *config.Config
	app *server.Server

	rootCmd = &cobra.Command{
		Use:   "loqa-gemini",
		Short: "Speech, transcription and conversation through Gemini",
		Long: `loqa-gemini runs text-to-speech, speech-to-text and conversation requests
against the Gemini API through a shared dispatcher that caches results,
bounds concurrency and retries transient failures.

Configuration is read from the environment; see GEMINI_API_KEY,
CONCURRENCY_LIMIT, CACHE_TTL_SECONDS and friends.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "overall time limit for the command (0 for none)")
	rootCmd.AddCommand(serveCmd, sayCmd, previewCmd, voicesCmd, transcribeCmd, chatCmd, modelsCmd, validateCmd, eventsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	shutdown()
	if err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the component graph
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}

	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	if timeout > 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		cobra.OnFinalize(cancel)
		cmd.SetContext(ctx)
	}

	app, err = server.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return app.Start(cmd.Context())
}

// shutdown drains the dispatcher, persisting the cache snapshot when configured
func shutdown() {
	if app != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			logging.LogError(err, "Shutdown incomplete")
		}
	}
	logging.Close()
}
