package expopush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/CabBox/internal/notify"
	"github.com/pkg/errors"
)

const defaultPushURL = "https://exp.host/--/api/v2/push/send"

type Client struct {
	pushURL string
	httpc   *http.Client
}

func New(pushURL string) *Client {
	if pushURL == "" {
		pushURL = defaultPushURL
	}
	return &Client{
		pushURL: pushURL,
		httpc: &http.Client{
			Timeout: 7 * time.Second,
		},
	}
}

type expoPayload struct {
	To    string            `json:"to"`
	Sound string            `json:"sound"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

type expoResp struct {
	Data struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"data"`
}

func (c *Client) Send(ctx context.Context, token string, n notify.Notification) error {
	if token == "" {
		return errors.New("empty push token")
	}

	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	b, err := json.Marshal(expoPayload{
		To:    token,
		Sound: "default",
		Title: n.Title,
		Body:  n.Body,
		Data:  data,
	})
	if err != nil {
		return errors.Wrap(err, "marshal push payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pushURL, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("expo push http %d", resp.StatusCode)
	}

	// Expo отвечает 200 и на невалидный токен; смотрим на статус тикета.
	var r expoResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return errors.Wrap(err, "decode")
	}
	if r.Data.Status != "" && r.Data.Status != "ok" {
		return fmt.Errorf("expo push status=%s: %s", r.Data.Status, r.Data.Message)
	}
	return nil
}
