// Package cli implements the folio command line client.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/folio-agent/internal/chatclient"
	"github.com/ashureev/folio-agent/internal/domain"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

type options struct {
	server         string
	format         string
	sessionID      string
	conversationID string
	timeout        time.Duration
	verbose        bool

	// Overridden in tests.
	newClient func(opts *options) *chatclient.Client
}

func defaultServer() string {
	if s := os.Getenv("FOLIO_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd builds the folio command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{})
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "folio",
		Short: "Ask questions about your investment portfolio",
		Long: `folio talks to a folio agent server.

Answers are streamed from the server and fall back to a single
synchronous request when the stream drops.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch opts.format {
			case FormatText, FormatJSON, FormatYAML:
				return nil
			default:
				return fmt.Errorf("unknown format %q (want text, json or yaml)", opts.format)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", defaultServer(), "agent server base URL (env FOLIO_SERVER)")
	flags.StringVarP(&opts.format, "format", "o", FormatText, "output format: text, json or yaml")
	flags.StringVar(&opts.sessionID, "session", "", "session id sent with each request")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log client diagnostics to stderr")

	root.AddCommand(
		newAskCmd(opts),
		newChatCmd(opts),
		newToolsCmd(opts),
		newFeedbackCmd(opts),
		newHealthCmd(opts),
		newConversationCmd(opts),
	)
	return root
}

func (o *options) client() *chatclient.Client {
	if o.newClient != nil {
		return o.newClient(o)
	}
	level := slog.LevelError
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	clientOpts := []chatclient.Option{chatclient.WithLogger(logger)}
	if o.sessionID != "" {
		clientOpts = append(clientOpts, chatclient.WithSessionID(o.sessionID))
	}
	if o.conversationID != "" {
		clientOpts = append(clientOpts, chatclient.WithConversationID(o.conversationID))
	}
	return chatclient.New(o.server, clientOpts...)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

// answerView is the printable form of an agent answer.
type answerView struct {
	Answer         string   `json:"answer" yaml:"answer"`
	Confidence     float64  `json:"confidence" yaml:"confidence"`
	Bucket         string   `json:"bucket" yaml:"bucket"`
	ToolsUsed      []string `json:"tools_used" yaml:"tools_used"`
	ConversationID string   `json:"conversation_id" yaml:"conversation_id"`
	TraceID        string   `json:"trace_id,omitempty" yaml:"trace_id,omitempty"`
	Iterations     int      `json:"iterations" yaml:"iterations"`
	CostUSD        float64  `json:"cost_usd" yaml:"cost_usd"`
	BoundExceeded  string   `json:"bound_exceeded,omitempty" yaml:"bound_exceeded,omitempty"`
}

func newAnswerView(e chatclient.Entry, conversationID string) answerView {
	v := answerView{
		Answer:         e.Content,
		ToolsUsed:      append([]string{}, e.ToolsUsed...),
		ConversationID: conversationID,
		TraceID:        e.TraceID,
	}
	if e.Confidence != nil {
		v.Confidence = *e.Confidence
	}
	v.Bucket = string(domain.BucketFor(v.Confidence))
	if e.Metrics != nil {
		v.Iterations = e.Metrics.Iterations
		v.CostUSD = e.Metrics.CostUSD
		v.BoundExceeded = e.Metrics.BoundExceeded
	}
	return v
}

func (v answerView) text() string {
	var b strings.Builder
	b.WriteString(v.Answer)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "confidence: %.2f (%s)", v.Confidence, v.Bucket)
	if len(v.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "  tools: %s", strings.Join(v.ToolsUsed, ", "))
	}
	if v.TraceID != "" {
		fmt.Fprintf(&b, "  trace: %s", v.TraceID)
	}
	b.WriteString("\n")
	return b.String()
}

// render writes v in the selected format. textFn is used for text output.
func render(w io.Writer, format string, v any, textFn func() string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := io.WriteString(w, textFn())
		return err
	}
}

// readLines calls fn for each non-empty line of r until fn fails or r ends.
func readLines(r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
