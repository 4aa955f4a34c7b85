package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/slack-go/slack"
	slackmdgo "github.com/snormore/slackmd/slackgo"
)

type SlackConfig struct {
	Logger   *slog.Logger
	BotToken string
	Channel  string

	// APIURL overrides the Slack API endpoint in tests. Must end with a
	// trailing slash.
	APIURL string
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BotToken == "" {
		return errors.New("bot token is required")
	}
	if cfg.Channel == "" {
		return errors.New("channel is required")
	}
	return nil
}

// Slack posts notices to a channel as markdown rendered into blocks.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
	api *slack.Client
}

var _ Notifier = (*Slack)(nil)

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		log: cfg.Logger,
		cfg: cfg,
		api: slack.New(cfg.BotToken, opts...),
	}, nil
}

func (s *Slack) DistributionExecuted(ctx context.Context, n Distribution) error {
	return s.post(ctx, formatDistribution(n))
}

func (s *Slack) PoolUpdated(ctx context.Context, n PoolUpdate) error {
	return s.post(ctx, formatPoolUpdate(n))
}

func (s *Slack) post(ctx context.Context, md string) error {
	ts, err := slackmdgo.Post(ctx, s.api, s.cfg.Channel, md, slackmdgo.WithRetry(nil))
	if err != nil {
		return fmt.Errorf("failed to post to slack: %w", err)
	}
	s.log.Debug("notify: posted to slack", "channel", s.cfg.Channel, "ts", ts)
	return nil
}

func formatDistribution(n Distribution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Rewards distributed** (#%d)\n\n", n.ID)
	fmt.Fprintf(&b, "- **Pool:** %s tokens\n", groupDigits(n.PoolAmount))
	fmt.Fprintf(&b, "- **Recipients:** %d paid", n.PaidCount)
	if n.FailedCount > 0 {
		fmt.Fprintf(&b, ", %d failed", n.FailedCount)
	}
	fmt.Fprintf(&b, " of %d\n", n.RecipientCount)
	fmt.Fprintf(&b, "- **Trigger:** %s\n", n.TriggerReason)
	if len(n.TopRecipients) > 0 {
		b.WriteString("- **Top recipients:**\n")
		for _, r := range n.TopRecipients {
			fmt.Fprintf(&b, "  - `%s`: %s\n", shortAccount(r.Account), groupDigits(r.Amount))
		}
	}
	return b.String()
}

func formatPoolUpdate(n PoolUpdate) string {
	var b strings.Builder
	b.WriteString("**Reward pool updated**\n\n")
	fmt.Fprintf(&b, "- **Balance:** %s tokens\n", groupDigits(n.Balance))
	if n.ValueUSD > 0 {
		fmt.Fprintf(&b, "- **Value:** $%.2f\n", n.ValueUSD)
	}
	return b.String()
}

// shortAccount elides the middle of a base58 address for display.
func shortAccount(account string) string {
	if len(account) <= 12 {
		return account
	}
	return account[:4] + ".." + account[len(account)-4:]
}

func groupDigits(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/3)
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
