package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldline-go/klient"
)

const slackBaseURL = "https://slack.com/api"

// Slack sends messages through the chat.postMessage Web API endpoint. To is
// a Slack channel ID. No Slack SDK is used — a thin REST client over the
// same HTTP-client library the agent's OpenAI-compatible provider already
// depends on is enough for a single-endpoint integration.
type Slack struct {
	client *klient.Client
}

// NewSlack authenticates with a bot token (xoxb-...).
func NewSlack(token string) (*Slack, error) {
	client, err := klient.New(
		klient.WithBaseURL(slackBaseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Authorization": []string{"Bearer " + token},
			"Content-Type":  []string{"application/json; charset=utf-8"},
		}),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("slack: new client: %w", err)
	}
	return &Slack{client: client}, nil
}

type slackPostMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

func (s *Slack) Send(ctx context.Context, msg Message) (DeliveryResult, error) {
	body, err := json.Marshal(map[string]string{
		"channel": msg.To,
		"text":    msg.Text,
	})
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("slack: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slackBaseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("slack: build request: %w", err)
	}

	resp, err := s.client.HTTP.Do(req)
	if err != nil {
		return DeliveryResult{}, Temporary(fmt.Errorf("slack: send: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return DeliveryResult{}, Temporary(fmt.Errorf("slack: read response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return DeliveryResult{}, Temporary(fmt.Errorf("slack: server error %d: %s", resp.StatusCode, raw))
	}

	var out slackPostMessageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return DeliveryResult{}, fmt.Errorf("slack: decode response: %w", err)
	}
	if !out.OK {
		if out.Error == "ratelimited" {
			return DeliveryResult{}, Temporary(fmt.Errorf("slack: %s", out.Error))
		}
		return DeliveryResult{}, fmt.Errorf("slack: %s", out.Error)
	}

	return DeliveryResult{
		ProviderMsgID: out.TS,
		DeliveredAt:   time.Now().UTC(),
	}, nil
}

// Logout is a no-op: a Slack bot token has no session to tear down.
func (s *Slack) Logout(ctx context.Context) error {
	return nil
}
