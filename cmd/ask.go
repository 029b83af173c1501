package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/KaramelBytes/datadash-cli/internal/app"
	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/query"
	"github.com/KaramelBytes/datadash-cli/internal/session"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var historyJSON bool

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Ask a question about the active dataset",
	Long: `Ask sends one question about the active dataset and prints the answer. Both
are appended to the conversation. Run it without a question to see suggestions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)

		out := cmd.OutOrStdout()
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			fmt.Fprintln(out, "Try one of these:")
			renderSuggestions(out)
			return nil
		}
		reply, err := submit(cmd.Context(), cmd.ErrOrStderr(), a, question)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply.Content)
		return nil
	},
}

func submit(ctx context.Context, status io.Writer, a *app.App, question string) (model.Message, error) {
	fmt.Fprintln(status, "… Analyzing your data")
	reply, err := a.Query.Submit(ctx, question)
	switch {
	case errors.Is(err, query.ErrNoDataset):
		return model.Message{}, errors.New("no dataset loaded; run `datadash upload <file.csv>` first")
	case errors.Is(err, session.ErrConversationReplaced):
		return model.Message{}, errors.New("the dataset changed before the answer arrived; ask again")
	}
	return reply, err
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation about the active dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)
		return runChat(cmd, a)
	},
}

// chatSubmit answers one chat question under its own interrupt handler. An
// interrupt abandons that question only; parent cancellation is ignored so
// one Ctrl-C does not fail every later question in the session.
func chatSubmit(parent context.Context, errOut io.Writer, a *app.App, question string) (model.Message, error) {
	ctx, stop := signal.NotifyContext(context.WithoutCancel(parent), os.Interrupt)
	defer stop()
	reply, err := submit(ctx, errOut, a, question)
	if err == nil && ctx.Err() != nil {
		fmt.Fprintln(errOut, "⚠ Interrupted")
	}
	return reply, err
}

func runChat(cmd *cobra.Command, a *app.App) error {
	ctx := context.WithoutCancel(cmd.Context())
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	snap, err := a.Session.Snapshot()
	if err != nil {
		return err
	}
	if snap.Dataset == nil {
		return errors.New("no dataset loaded; run `datadash upload <file.csv>` first")
	}

	historyFile := ""
	if cfg.StateDir != "" && cfg.StoreDriver != "memory" {
		historyFile = filepath.Join(cfg.StateDir, "chat_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "datadash> ",
		HistoryFile:     historyFile,
		AutoComplete:    chatCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		Stdin:           readline.NewCancelableStdin(cmd.InOrStdin()),
		Stdout:          out,
		Stderr:          errOut,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat: %w", err)
	}
	defer func() { _ = rl.Close() }()

	fmt.Fprintf(out, "Chatting about %s. Type /help for commands, /quit to exit.\n\n", snap.Dataset.Filename)
	renderConversation(out, snap.Messages, "")
	fmt.Fprintln(out)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := handleChatCommand(ctx, out, errOut, a, line); quit {
				break
			}
			continue
		}
		reply, err := chatSubmit(ctx, errOut, a, line)
		if err != nil {
			fmt.Fprintf(errOut, "✗ Error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "%s\n\n", reply.Content)
	}
	return nil
}

func handleChatCommand(ctx context.Context, out, errOut io.Writer, a *app.App, line string) (quit bool) {
	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, `Commands:
  /suggest        Show suggested questions
  /history        Show the conversation so far
  /view <name>    Switch view (overview|charts|stats|ask) and show it
  /reset          Clear the dataset and conversation
  /quit           Leave the chat`)
	case "/suggest":
		renderSuggestions(out)
	case "/history":
		msgs, err := a.Session.Messages()
		if err != nil {
			fmt.Fprintf(errOut, "✗ Error: %v\n", err)
			return false
		}
		renderConversation(out, msgs, "")
	case "/view":
		if len(parts) < 2 {
			fmt.Fprintln(errOut, "Usage: /view <overview|charts|stats|ask>")
			return false
		}
		v, err := model.ParseView(parts[1])
		if err == nil {
			err = a.Session.SetActiveView(v)
		}
		if err == nil {
			err = renderView(ctx, out, a, v, true)
		}
		if err != nil {
			fmt.Fprintf(errOut, "✗ Error: %v\n", err)
		}
	case "/reset":
		if err := a.Session.Reset(); err != nil {
			fmt.Fprintf(errOut, "⚠ Warning: %v\n", err)
		}
		fmt.Fprintln(out, "✓ Session reset; upload a new file to continue")
		return true
	default:
		fmt.Fprintf(errOut, "Unknown command: %s (type /help for commands)\n", parts[0])
	}
	return false
}

func chatCompleter() *readline.PrefixCompleter {
	views := make([]readline.PrefixCompleterInterface, 0, len(model.Views()))
	for _, v := range model.Views() {
		views = append(views, readline.PcItem(string(v)))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("/help"),
		readline.PcItem("/suggest"),
		readline.PcItem("/history"),
		readline.PcItem("/view", views...),
		readline.PcItem("/reset"),
		readline.PcItem("/quit"),
	)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the conversation about the active dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)

		msgs, err := a.Session.Messages()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if historyJSON {
			b, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))
			return nil
		}
		renderConversation(out, msgs, "")
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the active dataset, conversation and view",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)
		if err := a.Session.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Session reset")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(resetCmd)
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print the conversation as JSON")
}
