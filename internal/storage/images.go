package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ImagesClient talks to a Cloudflare-Images-style storage API: request a
// one-time direct-upload URL, post raw bytes to it, get back named variant URLs.
type ImagesClient struct {
	BaseURL   string
	AccountID string
	APIToken  string
	HTTP      *http.Client
}

func NewImagesClient(baseURL, accountID, apiToken string) *ImagesClient {
	if baseURL == "" {
		baseURL = "https://api.cloudflare.com/client/v4"
	}
	return &ImagesClient{
		BaseURL:   baseURL,
		AccountID: accountID,
		APIToken:  apiToken,
		HTTP:      &http.Client{Timeout: 60 * time.Second},
	}
}

type directUploadResp struct {
	Success bool `json:"success"`
	Result  struct {
		ID        string `json:"id"`
		UploadURL string `json:"uploadURL"`
	} `json:"result"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type uploadResp struct {
	Success bool `json:"success"`
	Result  struct {
		ID       string   `json:"id"`
		Variants []string `json:"variants"`
	} `json:"result"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// DirectUploadURL requests a signed one-time upload URL.
func (c *ImagesClient) DirectUploadURL(ctx context.Context) (id, uploadURL string, err error) {
	if strings.TrimSpace(c.AccountID) == "" || strings.TrimSpace(c.APIToken) == "" {
		return "", "", errors.New("images: account id and api token are required")
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/images/v2/direct_upload", strings.TrimRight(c.BaseURL, "/"), c.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var decoded directUploadResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", err
	}
	if !decoded.Success || decoded.Result.UploadURL == "" {
		return "", "", fmt.Errorf("images: direct upload request failed: %s", firstErrMsg(decoded.Errors, resp.StatusCode))
	}
	return decoded.Result.ID, decoded.Result.UploadURL, nil
}

// Upload posts raw bytes to a previously issued upload URL and returns the
// stored image's variant URLs.
func (c *ImagesClient) Upload(ctx context.Context, uploadURL string, data []byte) ([]string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", uuid.NewString()+".png")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded uploadResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if !decoded.Success || len(decoded.Result.Variants) == 0 {
		return nil, fmt.Errorf("images: upload failed: %s", firstErrMsg(decoded.Errors, resp.StatusCode))
	}
	return decoded.Result.Variants, nil
}

// Fetch downloads the asset at srcURL (the provider's temporary location).
func (c *ImagesClient) Fetch(ctx context.Context, srcURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("images: fetch %s: status %d", srcURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
}

func firstErrMsg(errs []struct {
	Message string `json:"message"`
}, status int) string {
	if len(errs) > 0 && errs[0].Message != "" {
		return errs[0].Message
	}
	return fmt.Sprintf("status %d", status)
}

// VariantOptions steers variant selection for a stored image.
type VariantOptions struct {
	WantPublic bool
	Width      int
	Height     int
}

const smallEdge = 512

// SelectVariant picks one of the named variants ("public", "width", "height",
// "normal"). An explicit public request wins; small images also get the public
// variant; otherwise aspect ratio decides between width, height and normal.
// The variant names are configured on the storage account, so an unmatched
// name falls back to the first variant.
func SelectVariant(variants []string, opts VariantOptions) string {
	if len(variants) == 0 {
		return ""
	}

	name := "normal"
	switch {
	case opts.WantPublic:
		name = "public"
	case opts.Width > 0 && opts.Width <= smallEdge && opts.Height > 0 && opts.Height <= smallEdge:
		name = "public"
	case opts.Height > 0 && float64(opts.Width)/float64(opts.Height) >= 1.5:
		name = "width"
	case opts.Width > 0 && float64(opts.Height)/float64(opts.Width) >= 1.5:
		name = "height"
	}

	for _, v := range variants {
		if strings.EqualFold(variantName(v), name) {
			return v
		}
	}
	return variants[0]
}

func variantName(variantURL string) string {
	trimmed := strings.TrimRight(variantURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
