package feishu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

const timeLayout = "2006-01-02 15:04:05"

// Sender is the transport used by Notifier.
type Sender interface {
	Send(ctx context.Context, target Target, msg Message) error
}

// NotifierConfig carries the fallback webhook and rendering limits.
type NotifierConfig struct {
	DefaultWebhookURL string
	DefaultSecret     string
	MaxMessageRows    int
}

// Notifier renders task results and sends them to Feishu.
type Notifier struct {
	sender Sender
	cfg    NotifierConfig
}

// NewNotifier constructs a Notifier.
func NewNotifier(sender Sender, cfg NotifierConfig) *Notifier {
	if cfg.MaxMessageRows <= 0 {
		cfg.MaxMessageRows = 30
	}
	return &Notifier{sender: sender, cfg: cfg}
}

// Target resolves where a task's messages go. A task webhook carries its own
// secret; the configured default pairs with the default secret.
func (n *Notifier) Target(task push.Task) (Target, error) {
	if task.WebhookURL != "" {
		return Target{URL: task.WebhookURL, Secret: task.WebhookSecret}, nil
	}
	if n.cfg.DefaultWebhookURL != "" {
		return Target{URL: n.cfg.DefaultWebhookURL, Secret: n.cfg.DefaultSecret}, nil
	}
	return Target{}, push.ErrNoWebhook
}

// Notify implements push.Notifier.
func (n *Notifier) Notify(ctx context.Context, task push.Task, result push.ResultSet, at time.Time) error {
	target, err := n.Target(task)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, target, n.Render(task, result, at))
}

// SendText sends a plain text message to target, falling back to the default webhook.
func (n *Notifier) SendText(ctx context.Context, target Target, text string) error {
	if target.URL == "" {
		target = Target{URL: n.cfg.DefaultWebhookURL, Secret: n.cfg.DefaultSecret}
	}
	if target.URL == "" {
		return push.ErrNoWebhook
	}
	return n.sender.Send(ctx, target, Text(text))
}

// Render builds the message for a task in its configured style.
func (n *Notifier) Render(task push.Task, result push.ResultSet, at time.Time) Message {
	title := task.Title
	if title == "" {
		title = task.Name
	}
	stamp := at.Format(timeLayout)
	lines := n.tableLines(result)

	switch task.Style {
	case push.StyleText:
		header := []string{fmt.Sprintf("[%s] %s", title, stamp)}
		return Text(strings.Join(append(header, lines...), "\n"))
	case push.StylePost:
		return Post(title, append([]string{stamp}, lines...))
	default:
		md := make([]string, len(lines))
		for i, line := range lines {
			if i == 0 && !result.Empty() {
				md[i] = "**" + line + "**"
				continue
			}
			md[i] = line
		}
		note := fmt.Sprintf("%s · %d rows", stamp, result.Len())
		template := "blue"
		if result.Empty() {
			template = "grey"
		}
		return CardMessage(title, template, strings.Join(md, "\n"), note)
	}
}

func (n *Notifier) tableLines(result push.ResultSet) []string {
	if result.Empty() {
		return []string{"No data returned."}
	}
	shown := result.Rows
	if len(shown) > n.cfg.MaxMessageRows {
		shown = shown[:n.cfg.MaxMessageRows]
	}
	lines := make([]string, 0, len(shown)+2)
	lines = append(lines, strings.Join(result.Columns, " | "))
	for _, row := range shown {
		lines = append(lines, strings.Join(row, " | "))
	}
	if hidden := result.Len() - len(shown); hidden > 0 {
		lines = append(lines, fmt.Sprintf("… %d more rows", hidden))
	}
	if result.Truncated {
		lines = append(lines, "(result truncated by row limit)")
	}
	return lines
}
