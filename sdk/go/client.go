package quorumsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Quorum HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  10 * time.Second,
	}
}

// Community represents the API community model.
type Community struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Members   map[string]string   `json:"members"`
	Owners    Leadership          `json:"owners"`
	Governors Leadership          `json:"governors"`
	Roles     map[string][]string `json:"roles,omitempty"`
	CreatedAt string              `json:"created_at"`
}

// Leadership names who fills a leadership position.
type Leadership struct {
	Actors []string `json:"actors,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// Entity represents any governed thing.
type Entity struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	Name                string `json:"name"`
	Content             string `json:"content,omitempty"`
	OwnerKind           string `json:"owner_kind"`
	OwnerID             string `json:"owner_id"`
	FoundationalEnabled bool   `json:"foundational_permission_enabled"`
	GoverningEnabled    bool   `json:"governing_permission_enabled"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

// Permission represents a standing grant on a target.
type Permission struct {
	ID         string         `json:"id"`
	TargetID   string         `json:"target_id"`
	ChangeType string         `json:"change_type"`
	Actors     []string       `json:"actors,omitempty"`
	Anyone     bool           `json:"anyone"`
	Config     map[string]any `json:"config,omitempty"`
	IsActive   bool           `json:"is_active"`
	CreatedAt  string         `json:"created_at"`
}

// Action represents one attempt to apply a change.
type Action struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id"`
	TargetID   string         `json:"target_id"`
	ChangeType string         `json:"change_type"`
	Params     map[string]any `json:"params,omitempty"`
	Status     string         `json:"status"`
	Resolution Resolution     `json:"resolution"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// Resolution records how the pipeline settled an action.
type Resolution struct {
	Pipeline          string   `json:"pipeline,omitempty"`
	ApprovedRole      string   `json:"approved_role,omitempty"`
	ApprovedCondition string   `json:"approved_condition,omitempty"`
	Log               []string `json:"log,omitempty"`
}

// ConditionInstance represents a live condition gating an action.
type ConditionInstance struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	SourceKind      string         `json:"source_kind"`
	SourceID        string         `json:"source_id"`
	ActionID        string         `json:"action_id"`
	CommunityID     string         `json:"community_id,omitempty"`
	Responders      Leadership     `json:"responders"`
	State           map[string]any `json:"state"`
	Status          string         `json:"status"`
	Resolved        bool           `json:"resolved"`
	ResponseOptions []string       `json:"response_options"`
	Description     string         `json:"description,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// ConditionResponseResult pairs the updated condition with its re-driven action.
type ConditionResponseResult struct {
	Condition ConditionInstance `json:"condition"`
	Action    Action            `json:"action"`
}

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Type        string         `json:"type"`
	CommunityID string         `json:"community_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCommunity creates a community.
func (c *Client) CreateCommunity(ctx context.Context, name string) (Community, error) {
	var resp Community
	err := c.do(ctx, http.MethodPost, "communities", map[string]any{"name": name}, &resp)
	return resp, err
}

// Communities lists all communities.
func (c *Client) Communities(ctx context.Context) ([]Community, error) {
	var resp []Community
	err := c.do(ctx, http.MethodGet, "communities", nil, &resp)
	return resp, err
}

// Community fetches a community by id.
func (c *Client) Community(ctx context.Context, id string) (Community, error) {
	var resp Community
	err := c.do(ctx, http.MethodGet, "communities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateResource creates a resource entity.
func (c *Client) CreateResource(ctx context.Context, name, content, ownerKind, ownerID string) (Entity, error) {
	body := map[string]any{
		"name":       name,
		"content":    content,
		"owner_kind": ownerKind,
		"owner_id":   ownerID,
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, "resources", body, &resp)
	return resp, err
}

// Entity fetches an entity by id.
func (c *Client) Entity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	err := c.do(ctx, http.MethodGet, "entities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// EntityPermissions lists permissions attached to an entity, optionally
// filtered by change type.
func (c *Client) EntityPermissions(ctx context.Context, id, changeType string) ([]Permission, error) {
	endpoint := "entities/" + url.PathEscape(id) + "/permissions"
	if changeType != "" {
		endpoint += "?change_type=" + url.QueryEscape(changeType)
	}
	var resp []Permission
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TakeAction runs a change through the pipeline. Check Action.Status on the
// result: "rejected" and "waiting" come back as 201, not as errors.
func (c *Client) TakeAction(ctx context.Context, targetID, changeType string, params map[string]any) (Action, error) {
	body := map[string]any{
		"target_id":   targetID,
		"change_type": changeType,
		"params":      params,
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, "actions", body, &resp)
	return resp, err
}

// Action fetches an action by id.
func (c *Client) Action(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, "actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ActionConditions lists the conditions created for an action.
func (c *Client) ActionConditions(ctx context.Context, id string) ([]ConditionInstance, error) {
	var resp []ConditionInstance
	err := c.do(ctx, http.MethodGet, "actions/"+url.PathEscape(id)+"/conditions", nil, &resp)
	return resp, err
}

// Condition fetches a condition instance by id.
func (c *Client) Condition(ctx context.Context, id string) (ConditionInstance, error) {
	var resp ConditionInstance
	err := c.do(ctx, http.MethodGet, "conditions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Respond applies one responder's input to a condition.
func (c *Client) Respond(ctx context.Context, conditionID, response string) (ConditionResponseResult, error) {
	var resp ConditionResponseResult
	endpoint := "conditions/" + url.PathEscape(conditionID) + "/responses"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"response": response}, &resp)
	return resp, err
}

// SweepConditions resolves expired time-based conditions.
func (c *Client) SweepConditions(ctx context.Context) (int, error) {
	var resp struct {
		Resolved int `json:"resolved"`
	}
	err := c.do(ctx, http.MethodPost, "conditions/sweep", nil, &resp)
	return resp.Resolved, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin exchanges an actor id for a bearer token on servers that expose
// the dev login endpoint, and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID}, &resp)
	if err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
