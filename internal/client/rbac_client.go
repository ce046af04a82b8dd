package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// RBACClient is a RoleOracle backed by the RBAC service's HTTP API.
type RBACClient struct {
	baseURL string
	http    *http.Client
}

// NewRBACClient creates a new RBAC client. A zero timeout defaults to 5s.
func NewRBACClient(baseURL string, timeout time.Duration) *RBACClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RBACClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// GetRolesForUser implements RoleOracle. A user unknown to the RBAC service
// holds no roles.
func (c *RBACClient) GetRolesForUser(ctx context.Context, userID string) ([]repository.Role, error) {
	path := fmt.Sprintf("%s/api/v1/users/%s/roles", c.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build roles request")
	}
	req.Header.Set("Accept", "application/json")
	if id := RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Dependency(err, "role oracle unavailable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Dependency(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"role oracle returned an error",
		)
	}

	var out UserRolesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Dependency(err, "failed to decode role oracle response")
	}
	return toRoles(out.Roles), nil
}
