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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-gemini/internal/conversation"
)

var (
	transcribeFormat   string
	transcribeLanguage string
	transcribeStream   bool
	transcribeReadSize int

	chatID    string
	chatReset bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe a recording",
	Long: `Transcribe a recording. Large recordings are split into segments that are
transcribed in parallel. With --stream the file is fed in as it is read and
partial transcripts are printed as segments complete.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		format := transcribeFormat
		if format == "" {
			format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		}

		if transcribeStream {
			return streamTranscription(cmd, path, format)
		}

		audio, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		text, err := app.STT().TranscribeFile(cmd.Context(), audio, format, transcribeLanguage)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [text...]",
	Short: "Talk to the conversation agent",
	Long: `Send one utterance, or with no arguments read utterances from stdin one
line at a time. History is kept per --id for CONVERSATION_IDLE_TIMEOUT_SECONDS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if chatReset {
			if err := app.Conversations().Reset(ctx, chatID); err != nil {
				return err
			}
			if len(args) == 0 {
				return nil
			}
		}

		if len(args) > 0 {
			return chatTurn(ctx, cmd.OutOrStdout(), strings.Join(args, " "))
		}

		scanner := bufio.NewScanner(cmd.InOrStdin())
		fmt.Fprint(cmd.ErrOrStderr(), "> ")
		for scanner.Scan() {
			if err := chatTurn(ctx, cmd.OutOrStdout(), scanner.Text()); err != nil {
				return err
			}
			fmt.Fprint(cmd.ErrOrStderr(), "> ")
		}
		return scanner.Err()
	},
}

func init() {
	transcribeCmd.Flags().StringVar(&transcribeFormat, "format", "", "audio format (default from the file extension)")
	transcribeCmd.Flags().StringVar(&transcribeLanguage, "language", "", "language code (default GEMINI_LANGUAGE)")
	transcribeCmd.Flags().BoolVar(&transcribeStream, "stream", false, "print partial transcripts as segments complete")
	transcribeCmd.Flags().IntVar(&transcribeReadSize, "read-size", 32<<10, "bytes read from the file at a time when streaming")

	chatCmd.Flags().StringVar(&chatID, "id", conversation.DefaultConversationID, "conversation id")
	chatCmd.Flags().BoolVar(&chatReset, "reset", false, "forget the conversation history first")
}

func chatTurn(ctx context.Context, w io.Writer, text string) error {
	reply, err := app.Conversations().Process(ctx, conversation.Input{ConversationID: chatID, Text: text})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, reply.Text)
	return nil
}

func streamTranscription(cmd *cobra.Command, path, format string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	audio := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(audio)
		readErr <- feed(ctx, f, audio, max(transcribeReadSize, 1))
	}()

	w := cmd.OutOrStdout()
	for chunk, err := range app.STT().TranscribeStream(ctx, audio, format, transcribeLanguage) {
		if err != nil {
			return err
		}
		if text := chunk.Text(); text != "" {
			fmt.Fprintln(w, text)
		}
	}
	cancel()
	return <-readErr
}

// feed sends r to audio in pieces of size bytes until EOF or ctx ends
func feed(ctx context.Context, r io.Reader, audio chan<- []byte, size int) error {
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			select {
			case audio <- buf[:n]:
			case <-ctx.Done():
				return nil
			}
		}
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return fmt.Errorf("failed to read audio: %w", err)
		}
	}
}
