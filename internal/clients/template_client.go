package clients

import (
	"context"
	"fmt"

	"example.com/backstage/services/orchestrator/internal/dto"

	"github.com/rs/zerolog"
)

// TemplateClient fetches message templates from the remote Template service.
type TemplateClient struct {
	base    *BaseHTTPClient
	baseURL string
}

// NewTemplateClient builds a client against the given service base URL.
func NewTemplateClient(baseURL string, logger zerolog.Logger) *TemplateClient {
	return &TemplateClient{
		base:    NewBaseHTTPClient(logger),
		baseURL: baseURL,
	}
}

// FetchTemplateByID retrieves a template definition by its code.
func (c *TemplateClient) FetchTemplateByID(ctx context.Context, templateCode string) (dto.HTTPResponse, error) {
	url := fmt.Sprintf("%s/template/%s", c.baseURL, templateCode)
	return c.base.DoWithRetry(ctx, url, "failed to fetch template")
}
