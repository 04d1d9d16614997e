package alert_test

import (
	"context"
	"errors"
	"testing"

	slacklib "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/toolaudit/internal/alert"
	"github.com/gosuda/toolaudit/internal/shipper"
)

type mockSlackAPI struct {
	channels []string
	opts     [][]slacklib.MsgOption
	err      error
}

func (m *mockSlackAPI) PostMessageContext(_ context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error) {
	m.channels = append(m.channels, channelID)
	m.opts = append(m.opts, options)
	if m.err != nil {
		return "", "", m.err
	}
	return channelID, "1700000000.000100", nil
}

func TestFormatFailure(t *testing.T) {
	t.Parallel()

	t.Run("dropped", func(t *testing.T) {
		t.Parallel()

		msg := alert.FormatFailure("gh", shipper.DeliveryFailure{
			Sink: "http:generic", Segment: "gh-2026-10-14", Entries: 100, Attempts: 3,
			Dropped: true, Err: errors.New("503"),
		})

		assert.Contains(t, msg, "`gh`")
		assert.Contains(t, msg, "100 entries")
		assert.Contains(t, msg, "gh-2026-10-14")
		assert.Contains(t, msg, "after 3 attempts")
		assert.Contains(t, msg, "dropped")
		assert.Contains(t, msg, "Last error: 503")
	})

	t.Run("retained without error", func(t *testing.T) {
		t.Parallel()

		msg := alert.FormatFailure("jira", shipper.DeliveryFailure{Sink: "redis", Entries: 1, Attempts: 1})
		assert.Contains(t, msg, "retained")
		assert.NotContains(t, msg, "Last error")
	})
}

func TestSlackNotifier_DeliveryFailed(t *testing.T) {
	t.Parallel()

	t.Run("posts to channel", func(t *testing.T) {
		t.Parallel()

		api := &mockSlackAPI{}
		n := alert.NewSlackNotifier(api, "C123", "gh")
		require.NoError(t, n.DeliveryFailed(t.Context(), shipper.DeliveryFailure{Entries: 5}))

		assert.Equal(t, []string{"C123"}, api.channels)
		require.Len(t, api.opts, 1)
		assert.Len(t, api.opts[0], 1)
	})

	t.Run("api error wraps", func(t *testing.T) {
		t.Parallel()

		api := &mockSlackAPI{err: errors.New("channel_not_found")}
		err := alert.NewSlackNotifier(api, "C404", "gh").DeliveryFailed(t.Context(), shipper.DeliveryFailure{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel_not_found")
	})
}
