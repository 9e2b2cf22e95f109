package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ghzmwhdk777/ckpts/internal/config"
	"github.com/ghzmwhdk777/ckpts/internal/workflow"
)

// maxErrorBody bounds how much of an error response is kept in errors
const maxErrorBody = 4 << 10

// Client engine API client
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates an engine client for one engine address
func NewClient(cfg config.EngineConfig) *Client {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Address,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: config.NewLogger(),
	}
}

// Endpoint returns the engine base URL
func (c *Client) Endpoint() string {
	return c.buildURL("")
}

// buildURL builds complete URL, properly handling endpoint
func (c *Client) buildURL(path string) string {
	endpoint := strings.TrimSuffix(c.endpoint, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// If endpoint already contains protocol, use it directly
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint + path
	}
	return "http://" + endpoint + path
}

// WebSocketURL returns the notification channel URL for a session
func (c *Client) WebSocketURL(clientID string) string {
	base := c.buildURL("/ws")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	default:
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "?clientId=" + url.QueryEscape(clientID)
}

// Submit enqueues a workflow under the session's client id
func (c *Client) Submit(ctx context.Context, tpl *workflow.Template, clientID string) (*JobHandle, error) {
	jsonData, err := json.Marshal(PromptRequest{Prompt: tpl, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow: %w", err)
	}

	promptURL := c.buildURL("/prompt")
	c.logger.WithFields(logrus.Fields{
		"url":       promptURL,
		"workflow":  tpl.Name,
		"client_id": clientID,
	}).Debug("Submitting workflow")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, promptURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read submit response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &SubmissionError{Status: resp.StatusCode, Body: truncate(body)}
	}

	var result PromptResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProtocolError{Op: "submit", Detail: fmt.Sprintf("decode response: %v", err)}
	}
	if result.PromptID == "" {
		return nil, &ProtocolError{Op: "submit", Detail: "response has no prompt_id: " + truncate(body)}
	}

	c.logger.WithFields(logrus.Fields{
		"prompt_id": result.PromptID,
		"number":    result.Number,
		"client_id": clientID,
	}).Info("Workflow submitted")

	return &JobHandle{PromptID: result.PromptID, Number: result.Number, ClientID: clientID}, nil
}

// History looks a job up in the engine history. A job the engine does not
// know yet comes back with Found false and no outputs.
func (c *Client) History(ctx context.Context, promptID string) (*JobRecord, error) {
	historyURL := c.buildURL("/history/" + url.PathEscape(promptID))

	body, err := c.get(ctx, "history", historyURL)
	if err != nil {
		return nil, err
	}

	record, err := decodeHistory(promptID, body)
	if err != nil {
		return nil, &ProtocolError{Op: "history", Detail: err.Error()}
	}
	return record, nil
}

// View downloads one artifact
func (c *Client) View(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.Type)

	data, err := c.get(ctx, "view", c.buildURL("/view")+"?"+query.Encode())
	if err != nil {
		return nil, &ArtifactFetchError{Ref: ref, Err: err}
	}
	return data, nil
}

// UploadImage uploads an input image and returns the name to reference
// from a LoadImage node
func (c *Client) UploadImage(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/upload/image"), &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &UploadError{Status: resp.StatusCode, Body: truncate(body)}
	}

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &ProtocolError{Op: "upload", Detail: fmt.Sprintf("decode response: %v", err)}
	}
	if result.Name == "" {
		return "", &ProtocolError{Op: "upload", Detail: "response has no name: " + truncate(body)}
	}

	name := result.Name
	if result.Subfolder != "" {
		name = result.Subfolder + "/" + result.Name
	}
	c.logger.WithFields(logrus.Fields{
		"filename": filename,
		"name":     name,
	}).Info("Image uploaded")
	return name, nil
}

// Queue reads the engine queue
func (c *Client) Queue(ctx context.Context) (*QueueState, error) {
	body, err := c.get(ctx, "queue", c.buildURL("/queue"))
	if err != nil {
		return nil, err
	}
	state, err := decodeQueue(body)
	if err != nil {
		return nil, &ProtocolError{Op: "queue", Detail: err.Error()}
	}
	return state, nil
}

// DeleteQueued removes pending jobs from the engine queue. Jobs that are
// running or unknown are left alone.
func (c *Client) DeleteQueued(ctx context.Context, promptIDs ...string) error {
	return c.post(ctx, "queue delete", "/queue", map[string][]string{"delete": promptIDs})
}

// Interrupt stops the job promptID if it is executing
func (c *Client) Interrupt(ctx context.Context, promptID string) error {
	return c.post(ctx, "interrupt", "/interrupt", map[string]string{"prompt_id": promptID})
}

// CancelJob takes promptID off the queue and interrupts it only when the
// queue shows it executing, so other clients' jobs keep running. It reports
// whether an interrupt was sent.
func (c *Client) CancelJob(ctx context.Context, promptID string) (bool, error) {
	if err := c.DeleteQueued(ctx, promptID); err != nil {
		return false, err
	}

	state, err := c.Queue(ctx)
	if err != nil {
		return false, err
	}
	if !state.IsRunning(promptID) {
		c.logger.WithField("prompt_id", promptID).Debug("Job not executing, nothing to interrupt")
		return false, nil
	}

	if err := c.Interrupt(ctx, promptID); err != nil {
		return false, err
	}
	return true, nil
}

// HealthCheck performs health check
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.get(ctx, "health check", c.buildURL("/system_stats")); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(path), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Op: op, Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: op, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}
	return body, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
