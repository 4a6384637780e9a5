// ABOUTME: split command previewing how a reply would be chunked
// ABOUTME: Reads text from the argument or stdin and prints each chunk

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fold-relay/internal/splitter"
)

func newSplitCmd() *cobra.Command {
	var (
		maxChars  int
		strategy  string
		annotate  bool
		minChunks int
	)

	cmd := &cobra.Command{
		Use:   "split [text]",
		Short: "Preview how a reply would be split into chunks",
		Long: `Split text the way the delivery scheduler would and print the chunks.
With no argument, or "-", the text is read from stdin.

Examples:
  fold-relay split --max 40 "A reply long enough to need a few chunks."
  echo "one. two. three." | fold-relay split --max 5 --strategy sentence`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := splitInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			cfg := splitter.Config{
				Enabled:          true,
				MaxCharsPerChunk: maxChars,
				Strategy:         splitter.Strategy(strategy),
				AnnotateSequence: annotate,
				MinChunks:        minChunks,
			}
			chunks, err := splitter.Split(text, cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stats := splitter.Estimate(text, cfg)
			fmt.Fprintf(out, "%d chars, %d chunk(s)\n", stats.OriginalLength, len(chunks))

			label := color.New(color.FgCyan)
			for _, c := range chunks {
				fmt.Fprintf(out, "%s %s\n",
					label.Sprintf("[%d/%d %3d]", c.Sequence, c.TotalChunks, utf8.RuneCountInString(c.Content)),
					c.Content)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxChars, "max", 200, "Maximum characters per chunk")
	cmd.Flags().StringVar(&strategy, "strategy", string(splitter.StrategySimple), "simple, smart or sentence")
	cmd.Flags().BoolVar(&annotate, "annotate", false, "Prefix chunks with [k/n]")
	cmd.Flags().IntVar(&minChunks, "min-chunks", 1, "Minimum chunk count once splitting applies")

	return cmd
}

func splitInput(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return "", errors.New("no text to split")
	}
	return text, nil
}
