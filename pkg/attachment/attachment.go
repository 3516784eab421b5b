// Package attachment is the C11 attachment fetcher: authenticated HTTP
// GET of an attachment's bytes by id, and best-effort batch deletion
// after a send that requested it.
package attachment

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/tfp-event-fabric/fabric/pkg/errors"
	"github.com/tfp-event-fabric/fabric/pkg/httpclient"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
)

// Config configures the attachment backend.
type Config struct {
	BackendBase      string `env:"ATTACHMENT_BACKEND_BASE" validate:"required"`
	DownloadEndpoint string `env:"ATTACHMENT_DOWNLOAD_ENDPOINT" env-default:"/api/attachments/%s/download"`
	APIKey           string `env:"ATTACHMENT_API_KEY" validate:"required"`
}

// File is a fetched attachment's content.
type File struct {
	Bytes       []byte
	Filename    string
	ContentType string
}

// Client is the C11 contract.
type Client interface {
	Fetch(ctx context.Context, id string) (*File, error)
	Delete(ctx context.Context, ids []string)
}

type client struct {
	cfg  Config
	http *httpclient.Client
}

func New(cfg Config, httpCfg httpclient.Config) Client {
	return &client{cfg: cfg, http: httpclient.New("attachment", httpCfg)}
}

// Fetch downloads an attachment. A non-200 response or an empty body
// raises an error; the caller decides whether that's fatal (direct
// mode) or best-effort (template mode).
func (c *client) Fetch(ctx context.Context, id string) (*File, error) {
	endpoint := c.cfg.BackendBase + fmt.Sprintf(c.cfg.DownloadEndpoint, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build attachment download request")
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "attachment download request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.CodeUnavailable, fmt.Sprintf("attachment download returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read attachment body")
	}
	if len(body) == 0 {
		return nil, errors.New(errors.CodeNotFound, "attachment download returned empty body", nil)
	}

	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		filename = "attachment_" + id
	}

	return &File{
		Bytes:       body,
		Filename:    filename,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Delete issues a DELETE per id; failures are warn-logged and
// processing continues (never fatal to the caller's send outcome).
func (c *client) Delete(ctx context.Context, ids []string) {
	for _, id := range ids {
		endpoint := fmt.Sprintf("%s/api/attachments/%s?hard=true", c.cfg.BackendBase, url.PathEscape(id))
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			logger.L().WarnContext(ctx, "failed to build attachment delete request", "id", id, "error", err)
			continue
		}
		req.Header.Set("X-API-Key", c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			logger.L().WarnContext(ctx, "attachment delete request failed", "id", id, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			logger.L().WarnContext(ctx, "attachment delete returned non-2xx", "id", id, "status", resp.StatusCode)
		}
	}
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
