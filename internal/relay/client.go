package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
)

// Client sends image pairs to a relay endpoint
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates relay client
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     config.NewLogger(),
	}
}

// Send posts rgb and mask image bytes to endpoint
func (c *Client) Send(ctx context.Context, endpoint string, rgb, mask []byte) error {
	body, err := json.Marshal(Payload{
		RGBImage:  EncodeImage(rgb),
		MaskImage: EncodeImage(mask),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal relay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send images: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		var r Response
		if json.Unmarshal(respBody, &r) == nil && r.Message != "" {
			return fmt.Errorf("relay returned status %d: %s: %s", resp.StatusCode, r.Status, r.Message)
		}
		return fmt.Errorf("relay returned status %d", resp.StatusCode)
	}

	c.logger.WithField("endpoint", endpoint).Info("Images sent to relay")
	return nil
}
