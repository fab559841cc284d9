package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-foreman/internal/safety"
)

const (
	SendMessageTool = "send_message"
	AwaitInputTool  = "await_input"
)

var ErrNoSender = errors.New("no sender for channel")

// Sender delivers a user-visible message on a channel.
type Sender interface {
	Send(ctx context.Context, channel, target, text string) error
}

// MessageTarget resolves where a send goes: explicit arguments first, then
// the action's origin.
func MessageTarget(call Call, inv Invocation) (channel, target string) {
	channel = inv.ArgString("channel")
	if channel == "" {
		channel = call.Channel
	}
	target = inv.ArgString("target")
	if target == "" {
		target = call.Target
	}
	return channel, target
}

// MessageText returns the text argument of a message tool.
func MessageText(inv Invocation) string {
	for _, key := range []string{"text", "message", "content"} {
		if v := inv.ArgString(key); v != "" {
			return v
		}
	}
	return ""
}

// RegisterBuiltins installs send_message and await_input.
func RegisterBuiltins(r *Registry, sender Sender, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	leaks := safety.NewLeakDetector()

	r.Register(SendMessageTool, "Send a user-visible message. Arguments: text (required), channel, target.",
		func(ctx context.Context, call Call, args map[string]any) (any, error) {
			inv := Invocation{Name: SendMessageTool, Args: args}
			text := MessageText(inv)
			if text == "" {
				return nil, errors.New("send_message requires non-empty text")
			}
			if sender == nil {
				return nil, ErrNoSender
			}
			clean, warnings := leaks.Scrub(text)
			for _, w := range warnings {
				logger.Warn("secret scrubbed from outbound message", "action_id", call.ActionID, "pattern", w.Pattern)
			}
			channel, target := MessageTarget(call, inv)
			if err := sender.Send(ctx, channel, target, clean); err != nil {
				return nil, fmt.Errorf("send on %s: %w", channel, err)
			}
			return map[string]any{
				"success":   true,
				"channel":   channel,
				"target":    target,
				"delivered": len(clean),
			}, nil
		})

	r.Register(AwaitInputTool, "Pause until the user replies. Arguments: prompt (optional question already sent).",
		func(_ context.Context, _ Call, args map[string]any) (any, error) {
			prompt, _ := args["prompt"].(string)
			return map[string]any{"success": true, "awaiting": true, "prompt": strings.TrimSpace(prompt)}, nil
		})
}
