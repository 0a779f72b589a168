package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxrelay/voxrelay/pkg/realtime"
)

// messageSender is the narrow send function the built-in tool needs. Wrap
// discordgo's ChannelMessageSend in a closure to satisfy it.
type messageSender func(channelID, content string) error

// postMessageArgs is the parameter payload of the post_message tool.
type postMessageArgs struct {
	Content string `json:"content"`
}

// maxMessageLength is Discord's content limit for a single message.
const maxMessageLength = 2000

// PostMessageDefinition describes the post_message tool presented to the AI
// service.
func PostMessageDefinition() realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name:        "post_message",
		Description: "Post a text message to the session's text channel. Use this to share links, summaries, or anything better read than heard.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The message text to post.",
				},
			},
			"required": []string{"content"},
		},
	}
}

// RegisterPostMessage adds the post_message built-in to d. Messages are sent
// to channelID through send. Content is truncated to the channel's message
// length limit.
func RegisterPostMessage(d *Dispatcher, channelID string, send messageSender) {
	d.Register(PostMessageDefinition(), postMessageHandler(channelID, send))
}

func postMessageHandler(channelID string, send messageSender) Handler {
	return func(_ context.Context, args string) (string, error) {
		var p postMessageArgs
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("tools: post_message: invalid arguments: %w", err)
		}
		content := strings.TrimSpace(p.Content)
		if content == "" {
			return "", fmt.Errorf("tools: post_message: content must not be empty")
		}
		if len(content) > maxMessageLength {
			content = content[:maxMessageLength]
		}
		if err := send(channelID, content); err != nil {
			return "", fmt.Errorf("tools: post_message: send: %w", err)
		}
		return `{"posted":true}`, nil
	}
}
