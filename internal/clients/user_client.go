package clients

import (
	"context"
	"fmt"

	"example.com/backstage/services/orchestrator/internal/dto"

	"github.com/rs/zerolog"
)

// UserClient fetches recipient preferences from the remote User service.
type UserClient struct {
	base    *BaseHTTPClient
	baseURL string
}

// NewUserClient builds a client against the given service base URL.
func NewUserClient(baseURL string, logger zerolog.Logger) *UserClient {
	return &UserClient{
		base:    NewBaseHTTPClient(logger),
		baseURL: baseURL,
	}
}

// FetchUserPreference retrieves the notification preferences for a user.
func (c *UserClient) FetchUserPreference(ctx context.Context, userID string) (dto.HTTPResponse, error) {
	url := fmt.Sprintf("%s/users/preference/%s", c.baseURL, userID)
	return c.base.DoWithRetry(ctx, url, "failed to fetch user preferences")
}
