package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/model"
)

const (
	ActionApprove = "cr_approve"
	ActionReject  = "cr_reject"

	maxMessageChars = 2800
)

type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

type postMessageRequest struct {
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	Blocks    any    `json:"blocks,omitempty"`
	UnfurlLks bool   `json:"unfurl_links,omitempty"`
}

type postMessageResponse struct {
	OK      bool   `json:"ok"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
	Error   string `json:"error"`
}

func NewClient(cfg config.SlackConfig) *Client {
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://slack.com/api"
	}
	return &Client{
		token:   cfg.BotToken,
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string, blocks any) (string, error) {
	if c.token == "" {
		return "", fmt.Errorf("%w: missing slack token", model.ErrConfiguration)
	}
	body := postMessageRequest{Channel: channel, ThreadTS: threadTS, Text: text, Blocks: blocks}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post message: %w", err)
	}
	defer resp.Body.Close()

	var out postMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("slack post message: decode: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("slack post message failed: %s", out.Error)
	}
	return out.TS, nil
}

func FormatStatusBlocks(cr model.ChangeRequest, summary string) []map[string]any {
	text := fmt.Sprintf("*%s*\n*Status:* `%s`\n%s", escapeMrkdwn(cr.Title), cr.Status, summary)
	if url := model.Deref(cr.PullRequestURL); url != "" {
		text += "\n<" + url + "|Pull request>"
	}
	blocks := []map[string]any{
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": truncate(text),
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": "Change request `" + cr.ID + "`"},
			},
		},
	}
	if cr.Status == model.StatusAwaitingReview {
		blocks = append(blocks, map[string]any{
			"type": "actions",
			"elements": []map[string]any{
				Button(ActionApprove, "Approve", cr.ID, "primary"),
				Button(ActionReject, "Reject", cr.ID, "danger"),
			},
		})
	}
	return blocks
}

func Button(actionID, text, value, style string) map[string]any {
	btn := map[string]any{
		"type":      "button",
		"action_id": actionID,
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
		"value": value,
	}
	if style != "" {
		btn["style"] = style
	}
	return btn
}

// Notifier posts change request status updates to one channel.
type Notifier struct {
	client  *Client
	channel string
}

func NewNotifier(client *Client, channel string) *Notifier {
	return &Notifier{client: client, channel: channel}
}

func (n *Notifier) NotifyStatus(ctx context.Context, cr model.ChangeRequest, summary string) error {
	_, err := n.client.PostMessage(ctx, n.channel, "", truncate(cr.Title+": "+summary), FormatStatusBlocks(cr, summary))
	return err
}

func truncate(v string) string {
	if len(v) > maxMessageChars {
		return strings.ToValidUTF8(v[:maxMessageChars], "") + "\n..."
	}
	return v
}

func escapeMrkdwn(v string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(v)
}
