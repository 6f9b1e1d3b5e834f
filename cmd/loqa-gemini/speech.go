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
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-gemini/internal/voice"
)

// speech from the Gemini TTS models is 24 kHz 16-bit PCM
const speechSampleRate = 24000

var (
	sayVoice    string
	saySpeed    float64
	sayLanguage string
	sayOut      string
	sayStream   bool
	sayPublish  string

	previewSpeed float64
	previewText  string
	previewOut   string
)

var sayCmd = &cobra.Command{
	Use:   "say [text...]",
	Short: "Synthesize speech",
	Long: `Synthesize speech and write it to --out, or to stdout when --out is "-".
With --publish the audio is sent to NATS for the given target instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		opts := voice.SpeakOptions{Voice: sayVoice, Speed: saySpeed, Language: sayLanguage}

		if sayPublish != "" {
			return publishSpeech(cmd, text, opts)
		}
		if sayStream {
			return streamSpeech(cmd, text, opts)
		}

		audio, err := app.TTS().Speak(cmd.Context(), text, opts)
		if err != nil {
			return err
		}
		return writeAudio(cmd, sayOut, audio)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview [voice]",
	Short: "Play a short sample of a voice",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}
		audio, err := app.TTS().Preview(cmd.Context(), name, previewSpeed, previewText)
		if err != nil {
			return err
		}
		return writeAudio(cmd, previewOut, audio)
	},
}

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the selectable voices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := cmd.OutOrStdout()
		for _, v := range app.TTS().Voices(cmd.Context()) {
			fmt.Fprintf(w, "%-10s %s\n", v.ID, v.DisplayName)
		}
		return nil
	},
}

func init() {
	sayCmd.Flags().StringVar(&sayVoice, "voice", "", "voice name (default GEMINI_DEFAULT_VOICE)")
	sayCmd.Flags().Float64Var(&saySpeed, "speed", 0, "speaking rate between 0.25 and 4.0 (default GEMINI_VOICE_SPEED)")
	sayCmd.Flags().StringVar(&sayLanguage, "language", "", "language code (default GEMINI_LANGUAGE)")
	sayCmd.Flags().StringVarP(&sayOut, "out", "o", "speech.pcm", `output file, "-" for stdout`)
	sayCmd.Flags().BoolVar(&sayStream, "stream", false, "write audio as it is produced")
	sayCmd.Flags().StringVar(&sayPublish, "publish", "", "publish the audio to this NATS target instead of writing it")

	previewCmd.Flags().Float64Var(&previewSpeed, "speed", 0, "speaking rate between 0.25 and 4.0")
	previewCmd.Flags().StringVar(&previewText, "text", "", "sample text (default "+fmt.Sprintf("%q", voice.DefaultPreviewText)+")")
	previewCmd.Flags().StringVarP(&previewOut, "out", "o", "preview.pcm", `output file, "-" for stdout`)
}

func writeAudio(cmd *cobra.Command, out string, audio *voice.Audio) error {
	if out == "-" {
		_, err := cmd.OutOrStdout().Write(audio.Data)
		return err
	}
	if err := os.WriteFile(out, audio.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}

	source := "generated"
	if audio.Cached {
		source = "cached"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s of %s audio to %s (%s)\n",
		humanize.IBytes(uint64(len(audio.Data))), audio.Format, out, source)
	return nil
}

func streamSpeech(cmd *cobra.Command, text string, opts voice.SpeakOptions) error {
	var w io.Writer = cmd.OutOrStdout()
	if sayOut != "-" {
		f, err := os.Create(sayOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", sayOut, err)
		}
		defer f.Close()
		w = f
	}

	var written uint64
	for chunk, err := range app.TTS().SpeakStream(cmd.Context(), text, opts) {
		if err != nil {
			return err
		}
		n, err := w.Write(chunk.Data)
		if err != nil {
			return fmt.Errorf("failed to write audio: %w", err)
		}
		written += uint64(n)
	}

	if sayOut != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "streamed %s to %s\n", humanize.IBytes(written), sayOut)
	}
	return nil
}

func publishSpeech(cmd *cobra.Command, text string, opts voice.SpeakOptions) error {
	publisher := app.AudioPublisher()
	if publisher == nil {
		return errors.New("publishing needs NATS_URL to be set")
	}

	if sayStream {
		streamID, sent, err := publisher.PublishStream(sayPublish, app.TTS().SpeakStream(cmd.Context(), text, opts), speechSampleRate)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "published %d chunks on %s (stream %s)\n", sent, publisher.Subject(sayPublish), streamID)
		return nil
	}

	audio, err := app.TTS().Speak(cmd.Context(), text, opts)
	if err != nil {
		return err
	}
	streamID, err := publisher.PublishAudio(sayPublish, audio.Data, audio.Format, speechSampleRate, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "published %s on %s (stream %s)\n",
		humanize.IBytes(uint64(len(audio.Data))), publisher.Subject(sayPublish), streamID)
	return nil
}
