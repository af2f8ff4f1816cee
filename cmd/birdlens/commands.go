package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkovalev/birdlens/internal/config"
	"github.com/mkovalev/birdlens/internal/dispatch"
	"github.com/mkovalev/birdlens/internal/poll"
	"github.com/mkovalev/birdlens/internal/stream"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run an analytics query",
	Long: `Run a natural-language query against the tweet-analytics service.

By default the query is submitted asynchronously and the result is polled
for. Use --sync to wait on a single request, or --stream to print the answer
as it is generated.

Examples:
  birdlens ask "what's the sentiment around the launch?"
  birdlens ask --top-k 10 "most discussed topics this week"
  birdlens ask --stream "summarize the replies to my last post"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")
		sync, _ := cmd.Flags().GetBool("sync")
		streaming, _ := cmd.Flags().GetBool("stream")

		work := dispatch.Work{Kind: dispatch.KindQuery, Query: query, TopK: topK}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		switch {
		case sync:
			return runSyncQuery(cmd.Context(), client, work)
		case streaming:
			return runStreaming(client.baseURL, work)
		default:
			return runPolling(client.baseURL, work)
		}
	},
}

// --- reply ---

var replyCmd = &cobra.Command{
	Use:   "reply <tweet>",
	Short: "Generate a reply for a tweet",
	Long: `Generate a reply for the given tweet text.

Examples:
  birdlens reply "just shipped our biggest release yet"
  birdlens reply --stream "gm"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tweet := strings.Join(args, " ")
		sync, _ := cmd.Flags().GetBool("sync")
		streaming, _ := cmd.Flags().GetBool("stream")

		work := dispatch.Work{Kind: dispatch.KindReply, Tweet: tweet}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		switch {
		case sync:
			return runSyncQuery(cmd.Context(), client, work)
		case streaming:
			return runStreaming(client.baseURL, work)
		default:
			return runPolling(client.baseURL, work)
		}
	},
}

func init() {
	askCmd.Flags().Int("top-k", 0, "number of tweets to consider (server default when 0)")
	askCmd.Flags().Bool("sync", false, "wait on a single request instead of polling")
	askCmd.Flags().Bool("stream", false, "stream the answer as it is generated")
	replyCmd.Flags().Bool("sync", false, "wait on a single request instead of polling")
	replyCmd.Flags().Bool("stream", false, "stream the reply as it is generated")
}

func runSyncQuery(ctx context.Context, client *apiClient, work dispatch.Work) error {
	var path string
	var field string
	body := map[string]any{}
	if work.Kind == dispatch.KindReply {
		path, field = "/api/bot", "reply"
		body["tweet"] = work.Tweet
	} else {
		path, field = "/api/llm", "response"
		body["query"] = work.Query
		if work.TopK > 0 {
			body["top_k"] = work.TopK
		}
	}

	resp, err := client.post(ctx, path, body)
	if err != nil {
		return err
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if errMsg := result["error"]; errMsg != "" {
		return fmt.Errorf("%s", errMsg)
	}

	fmt.Println(result[field])
	return nil
}

func runPolling(baseURL string, work dispatch.Work) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	p := poll.New(baseURL)
	p.Interval = cfg.PollInterval()
	p.MaxAttempts = cfg.Poll.MaxAttempts
	p.MaxPollingTime = cfg.MaxPollingTime()

	done := make(chan error, 1)
	cancel := p.Start(work, poll.Callbacks{
		OnPoll: func(attempt int, elapsed time.Duration) {
			// Quiet progress: one line every 10 attempts.
			if attempt == 1 || attempt%10 == 0 {
				printStep("waiting for result (attempt %d, %s elapsed)", attempt, elapsed.Round(time.Second))
			}
		},
		OnFinal: func(res poll.Result) {
			fmt.Println(res.Answer())
			done <- nil
		},
		OnError: func(err error) {
			done <- err
		},
		OnTimeout: func() {
			printWarning("no result within the polling window")
		},
	})
	defer cancel()

	return <-done
}

func runStreaming(baseURL string, work dispatch.Work) error {
	c := stream.New(baseURL)

	var printedPartial bool
	done := make(chan error, 1)
	cancel := c.Start(work, stream.Callbacks{
		OnKeepalive: func(elapsed float64, message string, progress float64) {
			if message == "" {
				message = "still processing"
			}
			printStep("%s (%.0fs elapsed)", message, elapsed)
		},
		OnPartial: func(text string) {
			printedPartial = true
			fmt.Print(text)
		},
		OnFinal: func(f stream.Final) {
			if printedPartial {
				fmt.Println()
			} else {
				fmt.Println(f.Answer())
			}
			done <- nil
		},
		OnError: func(err error) {
			done <- err
		},
	})
	defer cancel()

	return <-done
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage birdlens configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List config keys and current values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			fmt.Fprintf(os.Stdout, "%-26s %-36s %s\n", info.Key, colorize(colorCyan, info.EnvVar), info.Value)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show a single config value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			if info.Key == args[0] {
				fmt.Println(info.Value)
				return nil
			}
		}
		return fmt.Errorf("unknown config key: %q (see 'birdlens config list')", args[0])
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}
