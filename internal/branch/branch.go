package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Service is the external branch/permission collaborator. Implementations
// must treat "cannot reach upstream" as an error; callers map any error to
// an access denial, never to silent success.
type Service interface {
	Exists(ctx context.Context, path string) (bool, error)
	HeadTimestamp(ctx context.Context, path string) (int64, error)
	// UserRoles returns the roles a user holds on the branch, including
	// global roles.
	UserRoles(ctx context.Context, path, userID string) (map[string]struct{}, error)
}

// HasRole reports whether userID holds role on the branch path.
func HasRole(ctx context.Context, s Service, role, path, userID string) (bool, error) {
	roles, err := s.UserRoles(ctx, path, userID)
	if err != nil {
		return false, err
	}
	_, ok := roles[role]
	return ok, nil
}

// Client talks to the terminology server's branch API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient builds a client with a bounded per-request timeout so an
// unreachable upstream cannot stall a worker indefinitely.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type branchResponse struct {
	Path     string `json:"path"`
	HeadTime int64  `json:"head_time"`
}

type rolesResponse struct {
	Roles []string `json:"roles"`
}

func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	var resp branchResponse
	status, err := c.get(ctx, "/branches/"+url.PathEscape(path), &resp)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("branch lookup %s: status %d", path, status)
	}
	return true, nil
}

func (c *Client) HeadTimestamp(ctx context.Context, path string) (int64, error) {
	var resp branchResponse
	status, err := c.get(ctx, "/branches/"+url.PathEscape(path), &resp)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("branch head %s: status %d", path, status)
	}
	return resp.HeadTime, nil
}

func (c *Client) UserRoles(ctx context.Context, path, userID string) (map[string]struct{}, error) {
	var resp rolesResponse
	status, err := c.get(ctx, "/branches/"+url.PathEscape(path)+"/users/"+url.PathEscape(userID)+"/roles", &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("branch roles %s: status %d", path, status)
	}
	roles := make(map[string]struct{}, len(resp.Roles))
	for _, r := range resp.Roles {
		roles[r] = struct{}{}
	}
	return roles, nil
}

func (c *Client) get(ctx context.Context, p string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+p, nil)
	if err != nil {
		return 0, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, err
		}
	}
	return res.StatusCode, nil
}

// Static is an in-memory Service for tests and local development.
type Static struct {
	Branches map[string]int64               // path -> head timestamp
	Roles    map[string]map[string][]string // path -> user -> roles
	Err      error                          // returned by every call when set
}

func (s *Static) Exists(ctx context.Context, path string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	_, ok := s.Branches[path]
	return ok, nil
}

func (s *Static) HeadTimestamp(ctx context.Context, path string) (int64, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	head, ok := s.Branches[path]
	if !ok {
		return 0, fmt.Errorf("branch %s not found", path)
	}
	return head, nil
}

func (s *Static) UserRoles(ctx context.Context, path, userID string) (map[string]struct{}, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	roles := make(map[string]struct{})
	for _, r := range s.Roles[path][userID] {
		roles[r] = struct{}{}
	}
	return roles, nil
}
