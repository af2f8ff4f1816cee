// Package reply produces mock social-media reply text for tweets. It stands
// in for a real generation backend and flows through the same dispatch and
// staging machinery as analysis queries.
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Generator builds reply text for a tweet.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// Reply returns the generated reply for the given tweet text.
func (g *Generator) Reply(ctx context.Context, tweet string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("This is a bot-generated response to: \"%s\"", tweet), nil
}

// StreamReply writes the reply as a newline-delimited JSON event stream:
// per-word partial events followed by a completed event. Used by the bot
// endpoint's streaming mode.
func (g *Generator) StreamReply(ctx context.Context, tweet string, w io.Writer) error {
	full, err := g.Reply(ctx, tweet)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)

	words := strings.Fields(full)
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := word
		if i < len(words)-1 {
			text += " "
		}
		if err := enc.Encode(map[string]any{"partial": true, "text": text}); err != nil {
			return err
		}
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}
	}

	return enc.Encode(map[string]any{"status": "completed", "reply": full})
}
