package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/logger"
)

const (
	storageHost    = "https://storage.googleapis.com"
	defaultAPI     = "https://storage.googleapis.com/storage/v1"
	requestTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second
	errBodyLimit   = 2048
)

var errNotInitialized = errors.New("gcs client not initialized")

// Client holds the analyze bucket. Photos are written through signed PUT
// URLs, GLB outputs are read through signed GET URLs, and retention deletes
// objects through the JSON API.
type Client struct {
	httpClient  *http.Client
	bucket      string
	uploadTTL   time.Duration
	downloadTTL time.Duration
	tokens      *tokenSource
	signer      *urlSigner
	apiBase     string
	logg        *logger.Logger
}

// NewClient builds a client from a service account key. Without a key it falls
// back to a static or metadata token, which can delete objects but cannot sign.
func NewClient(ctx context.Context, cfg config.GCSConfig, logg *logger.Logger) (*Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("gcs bucket name is required")
	}

	httpClient := &http.Client{Timeout: requestTimeout}
	client := &Client{
		httpClient:  httpClient,
		bucket:      cfg.BucketName,
		uploadTTL:   cfg.UploadURLExpiry,
		downloadTTL: cfg.DownloadURLExpiry,
		logg:        logg,
	}

	switch {
	case cfg.ServiceAccountJSON != "":
		account, err := parseServiceAccount(cfg.ServiceAccountJSON)
		if err != nil {
			return nil, err
		}
		client.signer = &urlSigner{email: account.email, key: account.key, now: time.Now}
		client.tokens = serviceAccountTokens(httpClient, account)
	case cfg.AccessToken != "":
		client.tokens = staticTokens(cfg.AccessToken)
	default:
		client.tokens = metadataTokens(httpClient)
	}

	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("gcs health check failed: %w", err)
	}

	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{
			"bucket":  cfg.BucketName,
			"signing": client.signer != nil,
		})
		logg.Info(ctx, "gcs.connected")
	}
	return client, nil
}

func (c *Client) Close() error {
	return nil
}

// Ping lists at most one object to prove the bucket is reachable with the
// current credentials.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.tokens == nil {
		return errNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/b/%s/o?maxResults=1", c.api(), url.PathEscape(c.bucket))
	resp, err := c.do(ctx, http.MethodGet, u)
	if err != nil {
		return err
	}
	defer c.closeBody(ctx, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError("bucket check", resp)
	}
	return nil
}

// SignedPutURL signs a photo upload with the configured upload TTL. The
// uploader must send the same Content-Type.
func (c *Client) SignedPutURL(_ context.Context, object, contentType string) (string, error) {
	if c == nil || c.signer == nil {
		return "", errors.New("gcs signing requires service account credentials")
	}
	if contentType == "" {
		return "", errors.New("content type is required")
	}
	return c.signer.sign(http.MethodPut, c.bucket, object, contentType, c.uploadTTL)
}

// SignedGetURL signs a download with the configured download TTL.
func (c *Client) SignedGetURL(_ context.Context, object string) (string, error) {
	if c == nil || c.signer == nil {
		return "", errors.New("gcs signing requires service account credentials")
	}
	return c.signer.sign(http.MethodGet, c.bucket, object, "", c.downloadTTL)
}

// Delete removes object. A missing object counts as deleted so retention
// sweeps can be retried.
func (c *Client) Delete(ctx context.Context, object string) error {
	if c == nil || c.tokens == nil {
		return errNotInitialized
	}
	if object == "" {
		return errors.New("object is required")
	}

	u := fmt.Sprintf("%s/b/%s/o/%s", c.api(), url.PathEscape(c.bucket), url.PathEscape(object))
	resp, err := c.do(ctx, http.MethodDelete, u)
	if err != nil {
		return err
	}
	defer c.closeBody(ctx, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return statusError("delete "+object, resp)
}

func (c *Client) do(ctx context.Context, method, u string) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func (c *Client) closeBody(ctx context.Context, body io.Closer) {
	if err := body.Close(); err != nil && c.logg != nil {
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "gcs.close_body_failed")
	}
}

func (c *Client) api() string {
	if c.apiBase != "" {
		return c.apiBase
	}
	return defaultAPI
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	if msg := strings.TrimSpace(string(b)); msg != "" {
		return fmt.Errorf("gcs %s failed: %s: %s", op, resp.Status, msg)
	}
	return fmt.Errorf("gcs %s failed: %s", op, resp.Status)
}
