package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Prediction statuses as reported by the inference API.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Client talks to a Replicate-style prediction API.
type Client struct {
	BaseURL  string
	APIToken string
	Registry *Registry
	HTTP     *http.Client

	PollInterval    time.Duration
	PollMaxAttempts int
}

func NewClient(baseURL, apiToken string, reg *Registry) *Client {
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Client{
		BaseURL:         baseURL,
		APIToken:        apiToken,
		Registry:        reg,
		HTTP:            &http.Client{Timeout: 60 * time.Second},
		PollInterval:    3 * time.Second,
		PollMaxAttempts: 30,
	}
}

type GenerationInput struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	Scheduler         string  `json:"scheduler,omitempty"`
	VAE               string  `json:"vae,omitempty"`
}

type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type createPredictionReq struct {
	Version string          `json:"version"`
	Input   GenerationInput `json:"input"`
}

// CreatePrediction resolves the model alias and submits a new prediction.
func (c *Client) CreatePrediction(ctx context.Context, model string, input GenerationInput) (*Prediction, error) {
	version, err := c.Registry.Resolve(model)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(createPredictionReq{Version: version, Input: input})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/predictions", body)
}

// GetPrediction reads the current status of a prediction. It never mutates
// provider state, so repeated reads of a terminal prediction return the same output.
func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	return c.do(ctx, http.MethodGet, "/predictions/"+id, nil)
}

// Wait polls the prediction on a fixed interval until it reaches a terminal
// status or the attempt budget runs out. No backoff is applied.
func (c *Client) Wait(ctx context.Context, id string) (json.RawMessage, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	attempts := c.PollMaxAttempts
	if attempts <= 0 {
		attempts = 30
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(interval)
		}

		pred, err := c.GetPrediction(ctx, id)
		if err != nil {
			return nil, err
		}

		switch pred.Status {
		case StatusSucceeded:
			return pred.Output, nil
		case StatusFailed, StatusCanceled:
			msg := pred.Error
			if msg == "" {
				msg = pred.Status
			}
			return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, msg)
		}
	}
	return nil, fmt.Errorf("%w: prediction %s not terminal after %d polls", ErrGenerationTimeout, id, attempts)
}

// Generate submits a prediction and waits for its output. A prediction that
// comes back already succeeded skips the poll loop.
func (c *Client) Generate(ctx context.Context, model string, input GenerationInput) (json.RawMessage, error) {
	pred, err := c.CreatePrediction(ctx, model, input)
	if err != nil {
		return nil, err
	}
	if pred.Status == StatusSucceeded {
		return pred.Output, nil
	}
	if pred.Status == StatusFailed || pred.Status == StatusCanceled {
		msg := pred.Error
		if msg == "" {
			msg = pred.Status
		}
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, msg)
	}
	return c.Wait(ctx, pred.ID)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Prediction, error) {
	if c.HTTP == nil {
		return nil, errors.New("replicate: http client is nil")
	}
	if strings.TrimSpace(c.APIToken) == "" {
		return nil, errors.New("replicate: api token is required")
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.APIToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		var ue *url.Error
		if (errors.As(err, &ue) && ue.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("replicate: %s", msg)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, err
	}
	return &pred, nil
}
