// Package recap generates a short text summary of a finished voice session
// and posts it to the session's text channel.
package recap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voxrelay/voxrelay/internal/transcript"
)

const systemPrompt = "You summarise a voice conversation transcript. " +
	"Write a short recap in at most five sentences, covering the topics " +
	"discussed and any decisions or follow-ups. Do not invent details."

// maxTranscriptChars bounds the prompt size; older lines are dropped first.
const maxTranscriptChars = 24_000

// messagePoster delivers the finished recap, typically to a Discord text
// channel.
type messagePoster func(content string) error

// Poster summarises a session transcript through the chat completions API
// and posts the result. Implements the pipeline's recap hook; failures are
// reported to the caller and never retried here.
type Poster struct {
	client oai.Client
	model  string
	store  transcript.Store
	send   messagePoster
	log    *slog.Logger
}

// config holds optional configuration for Poster.
type config struct {
	baseURL string
}

// Option is a functional option for Poster.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// New constructs a Poster.
func New(apiKey, model string, store transcript.Store, send messagePoster, log *slog.Logger, opts ...Option) (*Poster, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("recap: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("recap: model must not be empty")
	}
	if store == nil {
		return nil, fmt.Errorf("recap: transcript store must not be nil")
	}
	if send == nil {
		return nil, fmt.Errorf("recap: send must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Poster{
		client: oai.NewClient(reqOpts...),
		model:  model,
		store:  store,
		send:   send,
		log:    log,
	}, nil
}

// PostRecap summarises the session's transcript and posts the summary.
// A session with no recorded lines produces no post and no error.
func (p *Poster) PostRecap(ctx context.Context, sessionID string) error {
	entries, err := p.store.Session(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("recap: load transcript: %w", err)
	}
	if len(entries) == 0 {
		p.log.Debug("recap skipped, empty transcript", "session", sessionID)
		return nil
	}

	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(formatTranscript(entries)),
		},
		MaxCompletionTokens: param.NewOpt(int64(512)),
	})
	if err != nil {
		return fmt.Errorf("recap: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("recap: empty choices in response")
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		p.log.Warn("recap skipped, model returned no text", "session", sessionID)
		return nil
	}

	if err := p.send("**Session recap**\n" + summary); err != nil {
		return fmt.Errorf("recap: post summary: %w", err)
	}
	p.log.Info("recap posted", "session", sessionID, "lines", len(entries))
	return nil
}

// formatTranscript renders transcript entries one per line, dropping the
// oldest lines when the result would exceed maxTranscriptChars.
func formatTranscript(entries []transcript.Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = speakerLabel(e) + ": " + e.Text
	}

	total := 0
	start := len(lines)
	for start > 0 {
		next := total + len(lines[start-1]) + 1
		if next > maxTranscriptChars {
			break
		}
		total = next
		start--
	}
	return strings.Join(lines[start:], "\n")
}

// speakerLabel picks the most specific identity available for an entry.
func speakerLabel(e transcript.Entry) string {
	switch {
	case e.SpeakerName != "":
		return e.SpeakerName
	case e.SpeakerID != "":
		return e.SpeakerID
	case e.Role == transcript.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}
