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
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/storage"
)

var (
	modelsRefresh bool

	eventsCapability string
	eventsType       string
	eventsLimit      int
	eventsSince      time.Duration
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show which models serve each capability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store := app.Capabilities()
		snap := store.Snapshot(cmd.Context())
		if modelsRefresh {
			var err error
			if snap, err = store.Refresh(cmd.Context()); err != nil {
				return err
			}
		}

		w := cmd.OutOrStdout()
		capabilities := []events.Capability{events.CapabilityTTS, events.CapabilitySTT, events.CapabilityConversation}
		for _, c := range capabilities {
			fmt.Fprintf(w, "%-13s %s\n", c, strings.Join(snap.ModelsFor(c), ", "))
		}
		if snap.Fallback {
			fmt.Fprintln(cmd.ErrOrStderr(), "(listing unavailable, showing defaults)")
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that GEMINI_API_KEY is accepted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := app.Client().ValidateCredential(cmd.Context()); err != nil {
			return fmt.Errorf("credential rejected: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "credential ok")
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded dispatch events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store := app.Events()
		if store == nil {
			return errors.New("event recording is disabled, set RECORD_EVENTS=true")
		}

		options := storage.ListOptions{
			Capability: events.Capability(eventsCapability),
			Type:       events.Type(eventsType),
			Limit:      eventsLimit,
		}
		if eventsSince > 0 {
			start := time.Now().Add(-eventsSince)
			options.StartTime = &start
		}

		list, err := store.List(cmd.Context(), options)
		if err != nil {
			return err
		}
		slices.Reverse(list)

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tTYPE\tCAPABILITY\tDETAIL")
		for _, e := range list {
			detail := e.Summary
			if e.Reason != "" {
				detail = e.ErrorKind + ": " + e.Reason
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.TimeOnly), e.Type, e.Capability, detail)
		}
		return tw.Flush()
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsRefresh, "refresh", false, "fetch a fresh listing")

	eventsCmd.Flags().StringVar(&eventsCapability, "capability", "", "only tts, stt or conversation events")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "only completed, failed, rate_limited or cancelled events")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "number of events to show")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "only events newer than this")
}
