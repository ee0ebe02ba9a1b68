package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/lore/internal/chat"
	"github.com/kalambet/lore/internal/config"
	"github.com/kalambet/lore/internal/learning"
	"github.com/kalambet/lore/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the agent and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body, err := client.stream(cmd.Context(), "/chat", map[string]string{
			"session_id": session,
			"text":       strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		defer body.Close()
		return printChatStream(body, stdout)
	},
}

func init() {
	chatCmd.Flags().String("session", "cli", "session id")
}

// printChatStream writes chunk events to w until the stream completes. An
// error event is returned as an error.
func printChatStream(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e chat.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		switch e.Type {
		case chat.EventChunk:
			fmt.Fprint(w, e.Content)
		case chat.EventError:
			fmt.Fprintln(w)
			return fmt.Errorf("agent error: %s", e.Content)
		case chat.EventComplete:
			fmt.Fprintln(w)
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return fmt.Errorf("stream ended without completion")
}

// --- capture ---

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Save a learning",
	Long: `Save a learning to the knowledge base.

Examples:
  lore capture --title "Retry pattern" --context "flaky API" \
    --learning "Always add exponential backoff on 5xx from flaky external APIs" \
    --confidence high`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := captureInputFromFlags(cmd)

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result map[string]string
		if err := client.call(cmd.Context(), http.MethodPost, "/learnings", in, &result); err != nil {
			return err
		}

		msg := result["message"]
		if learning.IsRejection(msg) {
			return fmt.Errorf("%s", msg)
		}
		printSuccess("%s", msg)
		return nil
	},
}

func captureInputFromFlags(cmd *cobra.Command) learning.CaptureInput {
	var in learning.CaptureInput
	in.Title, _ = cmd.Flags().GetString("title")
	in.Context, _ = cmd.Flags().GetString("context")
	in.Learning, _ = cmd.Flags().GetString("learning")
	in.Confidence, _ = cmd.Flags().GetString("confidence")
	in.Type, _ = cmd.Flags().GetString("type")
	return in
}

func addCaptureFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "short unique title")
	cmd.Flags().String("context", "", "when the learning applies")
	cmd.Flags().String("learning", "", "the insight itself")
	cmd.Flags().String("confidence", learning.DefaultConfidence, "low, medium or high")
	cmd.Flags().String("type", learning.DefaultType, "kind of learning")
}

func init() {
	addCaptureFlags(captureCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search saved learnings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result struct {
			Backend string             `json:"backend"`
			Results []storage.Learning `json:"results"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, searchPath(strings.Join(args, " "), limit), nil, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Fprintln(stdout, "No relevant learnings found.")
			return nil
		}
		for i, l := range result.Results {
			printLearning(stdout, i+1, l)
		}
		printStatus("Backend", "%s", result.Backend)
		return nil
	},
}

func searchPath(query string, limit int) string {
	v := url.Values{}
	v.Set("q", query)
	if limit > 0 {
		v.Set("limit", fmt.Sprint(limit))
	}
	return "/learnings/search?" + v.Encode()
}

func init() {
	searchCmd.Flags().Int("limit", learning.DefaultSearchLimit, "maximum number of results")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent conversation messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		full, _ := cmd.Flags().GetBool("full")
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var msgs []storage.Message
		if err := client.call(cmd.Context(), http.MethodGet, historyPath(session, limit), nil, &msgs); err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Fprintln(stdout, "No messages yet.")
			return nil
		}
		width := 100
		if full {
			width = 0
		}
		for _, m := range msgs {
			printMessage(stdout, m, width)
		}
		return nil
	},
}

func historyPath(session string, limit int) string {
	v := url.Values{}
	v.Set("limit", fmt.Sprint(limit))
	if session != "" {
		v.Set("session", session)
	}
	return "/history?" + v.Encode()
}

func init() {
	historyCmd.Flags().String("session", "", "only this session (default: all sessions)")
	historyCmd.Flags().Int("limit", 20, "number of messages")
	historyCmd.Flags().Bool("full", false, "do not shorten messages")
}

// --- theme ---

var themeCmd = &cobra.Command{
	Use:   "theme",
	Short: "Show or change the UI theme",
}

var themeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current theme",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body struct {
			Theme string `json:"theme"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/settings/theme", nil, &body); err != nil {
			return err
		}
		fmt.Fprintln(stdout, body.Theme)
		return nil
	},
}

var themeSetCmd = &cobra.Command{
	Use:   "set <theme>",
	Short: "Change the theme",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body map[string]string
		if err := client.call(cmd.Context(), http.MethodPut, "/settings/theme", map[string]string{"theme": args[0]}, &body); err != nil {
			return err
		}
		printSuccess("Theme set to %s", body["theme"])
		return nil
	},
}

func init() {
	themeCmd.AddCommand(themeGetCmd)
	themeCmd.AddCommand(themeSetCmd)
}

// --- agent ---

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Show or change the agent role and instructions",
}

var agentShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the agent role and instructions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body struct {
			Role         string `json:"role"`
			Instructions string `json:"instructions"`
		}
		if err := client.call(cmd.Context(), http.MethodGet, "/agent", nil, &body); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %s\n\n%s\n", colorize(colorBold, "Role:"), body.Role, body.Instructions)
		return nil
	},
}

var agentSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the agent role and instructions",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		instructions, _ := cmd.Flags().GetString("instructions")
		if role == "" || instructions == "" {
			return fmt.Errorf("--role and --instructions are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body map[string]string
		err = client.call(cmd.Context(), http.MethodPut, "/agent", map[string]string{"role": role, "instructions": instructions}, &body)
		if err != nil {
			return err
		}
		printSuccess("%s", body["message"])
		return nil
	},
}

func init() {
	agentSetCmd.Flags().String("role", "", "agent role")
	agentSetCmd.Flags().String("instructions", "", "agent instructions")
	agentCmd.AddCommand(agentShowCmd)
	agentCmd.AddCommand(agentSetCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		key := "not set"
		if cfg.Proxy.OpenRouterAPIKey != "" {
			key = "set"
		}
		fmt.Fprintf(stdout, "  %s = %s %s\n", colorize(colorBold, "proxy.openrouter_api_key"), key,
			colorize(colorDim, "("+config.APIKeyHint()+")"))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetAPIKeyCmd = &cobra.Command{
	Use:   "set-api-key <key>",
	Short: "Store the model provider API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAPIKey(cmd.Context(), args[0])
	},
}

// setAPIKey hands the key to a running server, which persists it and uses
// it immediately; otherwise it is saved for the next start.
func setAPIKey(ctx context.Context, key string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	err = client.call(ctx, http.MethodPut, "/settings/api-key", map[string]string{"api_key": key}, nil)
	if err == nil {
		printSuccess("API key saved and active")
		return nil
	}
	if !errors.Is(err, errServerUnreachable) {
		return err
	}
	if err := config.SaveAPIKey(key); err != nil {
		return fmt.Errorf("saving API key: %w", err)
	}
	printSuccess("API key saved (%s)", config.APIKeyHint())
	return nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetAPIKeyCmd)
}
