package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/folio-agent/internal/chatclient"
	"github.com/ashureev/folio-agent/internal/domain"
)

func newAskCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Example: `  folio ask "What's my dividend yield on JNJ?"
  folio ask --conversation 3f1c... "And KO?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			entry, err := c.Submit(ctx, strings.Join(args, " "))
			if err != nil {
				return explain(err)
			}
			view := newAnswerView(entry, c.Store().ConversationID())
			return render(cmd.OutOrStdout(), opts.format, view, view.text)
		},
	}
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "continue an existing conversation")
	return cmd
}

func newChatCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation, one question per line",
		Long: `Reads questions from stdin, one per line, and answers each in the
same conversation. Type /quit to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()
			return readLines(cmd.InOrStdin(), func(line string) error {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				entry, err := c.Submit(ctx, line)
				if err != nil {
					var streamErr *chatclient.StreamError
					if errors.As(err, &streamErr) || errors.Is(err, chatclient.ErrTransportFailure) {
						// The turn failed but the conversation continues.
						_, _ = fmt.Fprintf(out, "! %s\n", explain(err))
						return nil
					}
					return explain(err)
				}
				view := newAnswerView(entry, c.Store().ConversationID())
				return render(out, opts.format, view, view.text)
			})
		},
	}
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "continue an existing conversation")
	return cmd
}

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the agent can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			tools, err := opts.client().Tools(ctx)
			if err != nil {
				return err
			}
			sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
			return render(cmd.OutOrStdout(), opts.format, tools, func() string {
				var b strings.Builder
				for _, t := range tools {
					fmt.Fprintf(&b, "%-28s %s\n", t.Name, t.Description)
				}
				return b.String()
			})
		},
	}
}

func newFeedbackCmd(opts *options) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "feedback <trace-id> <up|down>",
		Short: "Rate an answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := parseRating(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := opts.client().Feedback(ctx, args[0], score, comment); err != nil {
				return err
			}
			result := map[string]string{"status": "accepted", "trace_id": args[0]}
			return render(cmd.OutOrStdout(), opts.format, result, func() string {
				return "Thanks for the feedback.\n"
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func parseRating(s string) (int, error) {
	switch strings.ToLower(s) {
	case "up", "1", "+1", "yes", "good":
		return 1, nil
	case "down", "0", "-1", "no", "bad":
		return 0, nil
	default:
		return 0, fmt.Errorf("rating must be up or down, got %q", s)
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the agent server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			report, err := opts.client().Health(ctx)
			renderErr := render(cmd.OutOrStdout(), opts.format, report, func() string {
				if report.Status == "" {
					return "unreachable\n"
				}
				names := make([]string, 0, len(report.Checks))
				for name := range report.Checks {
					names = append(names, name)
				}
				sort.Strings(names)
				var b strings.Builder
				b.WriteString(report.Status + "\n")
				for _, name := range names {
					fmt.Fprintf(&b, "  %-10s %s\n", name, report.Checks[name])
				}
				return b.String()
			})
			if err != nil {
				return err
			}
			return renderErr
		},
	}
}

func newConversationCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "conversation <id>",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			conv, err := opts.client().Conversation(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, conv, func() string {
				var b strings.Builder
				for _, m := range conv.Messages {
					label := "you"
					if m.Role == domain.RoleAgent {
						label = "agent"
					}
					fmt.Fprintf(&b, "[%s] %s\n", label, m.Content)
				}
				return b.String()
			})
		},
	}
}

// explain turns client errors into short user-facing messages.
func explain(err error) error {
	var streamErr *chatclient.StreamError
	switch {
	case errors.As(err, &streamErr):
		return errors.New(streamErr.Message)
	case errors.Is(err, chatclient.ErrTransportFailure):
		return chatclient.ErrTransportFailure
	case errors.Is(err, chatclient.ErrEmptyMessage):
		return errors.New("please type a question")
	default:
		return err
	}
}
