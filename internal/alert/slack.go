// Package alert tells operators about audit batches that could not be delivered.
package alert

import (
	"context"
	"fmt"
	"strings"

	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/toolaudit/internal/shipper"
)

// SlackAPI abstracts the subset of the Slack client used by SlackNotifier.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackNotifier posts exhausted deliveries to a Slack channel.
type SlackNotifier struct {
	api     SlackAPI
	channel string
	source  string
}

// Compile-time interface check.
var _ shipper.FailureNotifier = (*SlackNotifier)(nil) //nolint:gochecknoglobals // compile-time check

// NewSlackNotifier creates a SlackNotifier posting to channel on behalf of source.
func NewSlackNotifier(api SlackAPI, channel, source string) *SlackNotifier {
	return &SlackNotifier{api: api, channel: channel, source: source}
}

// DeliveryFailed posts a summary of f.
func (n *SlackNotifier) DeliveryFailed(ctx context.Context, f shipper.DeliveryFailure) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slacklib.MsgOptionText(FormatFailure(n.source, f), false))
	if err != nil {
		return fmt.Errorf("alert.SlackNotifier.DeliveryFailed: %w", err)
	}
	return nil
}

// FormatFailure renders f as a one-paragraph operator message.
func FormatFailure(source string, f shipper.DeliveryFailure) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":warning: audit delivery failed for `%s`: %d entries from segment `%s` to %s after %d attempts",
		source, f.Entries, f.Segment, f.Sink, f.Attempts)
	if f.Dropped {
		b.WriteString(". The batch was dropped from the local buffer.")
	} else {
		b.WriteString(". The batch is retained for the next drain cycle.")
	}
	if f.Err != nil {
		fmt.Fprintf(&b, "\nLast error: %s", f.Err)
	}
	return b.String()
}
