package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/vantage6/vantage6/pkg/log"
	"github.com/vantage6/vantage6/pkg/types"
)

const (
	requestTimeout = 30 * time.Second
	maxAttempts    = 3
)

// apiError carries the {msg} envelope plus the HTTP status.
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
}

// IsStatus reports whether err is a server response with the given code.
func IsStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == status
}

// Client talks to the coordinator's REST API on behalf of a node or an
// algorithm container. Transient failures (5xx, connection errors) are
// retried with backoff; 4xx responses are not.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu      sync.Mutex
	access  string
	refresh string
	nodeID  int
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log.WithComponent("client"),
	}
}

// NewContainerClient builds a client pre-loaded with an algorithm
// container's token, as read from the token file mount.
func NewContainerClient(baseURL, token string) *Client {
	c := NewClient(baseURL)
	c.access = token
	return c
}

// Token returns the current access token; it satisfies the socket
// client's TokenSource.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

// NodeID is the id the coordinator assigned during authentication.
func (c *Client) NodeID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

type nodeTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	RefreshURL   string `json:"refresh_url"`
	NodeID       int    `json:"node_id"`
	ServerURL    string `json:"server_url"`
}

func (c *Client) base() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// AuthenticateNode exchanges the node's API key for a token pair.
func (c *Client) AuthenticateNode(ctx context.Context, apiKey string) error {
	var tokens nodeTokens
	err := c.do(ctx, http.MethodPost, "/token/node", map[string]string{"api_key": apiKey}, &tokens)
	if err != nil {
		return fmt.Errorf("node authentication: %w", err)
	}

	c.mu.Lock()
	c.access = tokens.AccessToken
	c.refresh = tokens.RefreshToken
	c.nodeID = tokens.NodeID
	// coordinators colocated with the node advertise a local address;
	// switch to it so traffic stays off the public interface
	if tokens.ServerURL != "" {
		c.baseURL = tokens.ServerURL
	}
	c.mu.Unlock()

	c.logger.Info().Int("node_id", tokens.NodeID).Msg("authenticated with coordinator")
	return nil
}

// RefreshToken trades the stored refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()
	if refresh == "" {
		return errors.New("no refresh token; authenticate first")
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.do(ctx, http.MethodPost, "/token/refresh", map[string]string{"refresh_token": refresh}, &resp)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}

	c.mu.Lock()
	c.access = resp.AccessToken
	c.mu.Unlock()
	return nil
}

// ContainerToken mints a scoped token for an algorithm container the node
// is about to start.
func (c *Client) ContainerToken(ctx context.Context, taskID int, image string) (string, error) {
	var resp struct {
		ContainerToken string `json:"container_token"`
	}
	err := c.do(ctx, http.MethodPost, "/token/container",
		map[string]any{"task_id": taskID, "image": image}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ContainerToken, nil
}

func (c *Client) GetNode(ctx context.Context, id int) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/node/%d", id), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ShareNodeConfig publishes the node's configuration summary (database
// labels, policy digests) on its own record.
func (c *Client) ShareNodeConfig(ctx context.Context, id int, config map[string]string) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/node/%d", id),
		map[string]any{"config": config}, nil)
}

// RunWithTask is one run joined with its task, as /run?include=task serves.
type RunWithTask struct {
	*types.Run
	Task *types.Task `json:"task"`
}

// OpenRuns lists the node's unfinished runs, following pagination links
// until exhausted.
func (c *Client) OpenRuns(ctx context.Context, nodeID int) ([]*RunWithTask, error) {
	path := fmt.Sprintf("/run?node_id=%d&state=open&include=task", nodeID)

	var all []*RunWithTask
	for path != "" {
		var page []*RunWithTask
		next, err := c.doPaged(ctx, path, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		path = next
	}
	return all, nil
}

// RunPatch is the updatable subset of a run. Timestamps are RFC 3339.
type RunPatch struct {
	Status     types.RunStatus `json:"status,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Log        string          `json:"log,omitempty"`
	Result     string          `json:"result,omitempty"`
	BlobUsed   *bool           `json:"blob_storage_used,omitempty"`
}

func (c *Client) PatchRun(ctx context.Context, id int, patch *RunPatch) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/run/%d", id), patch, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// TaskSubmission mirrors the coordinator's task creation schema. Inputs
// are encrypted per organization before they reach this struct.
type TaskSubmission struct {
	Name            string                  `json:"name"`
	Image           string                  `json:"image"`
	Action          types.AlgorithmStepType `json:"action"`
	CollaborationID int                     `json:"collaboration_id,omitempty"`
	SessionID       int                     `json:"session_id,omitempty"`
	StudyID         int                     `json:"study_id,omitempty"`
	DependsOnTaskID int                     `json:"depends_on_task_id,omitempty"`
	InitOrgID       int                     `json:"init_org_id,omitempty"`
	DataframeHandle string                  `json:"dataframe_handle,omitempty"`
	Databases       [][]types.DBRef         `json:"databases,omitempty"`
	Organizations   []TaskOrgInput          `json:"organizations"`
}

type TaskOrgInput struct {
	ID    int    `json:"id"`
	Input string `json:"input"`
}

// TaskDetail is a task with its derived status and runs.
type TaskDetail struct {
	*types.Task
	Status types.TaskStatus `json:"status"`
	Runs   []*types.Run     `json:"runs,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, sub *TaskSubmission) (*TaskDetail, error) {
	var task TaskDetail
	if err := c.do(ctx, http.MethodPost, "/task", sub, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) GetTask(ctx context.Context, id int) (*TaskDetail, error) {
	var task TaskDetail
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/task/%d", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Result is one organization's output of a task.
type Result struct {
	RunID          int             `json:"run_id"`
	TaskID         int             `json:"task_id"`
	OrganizationID int             `json:"organization_id"`
	Status         types.RunStatus `json:"status"`
	Result         string          `json:"result,omitempty"`
	BlobStored     bool            `json:"blob_storage_used"`
}

func (c *Client) Results(ctx context.Context, taskID int) ([]Result, error) {
	var results []Result
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/result?task_id=%d", taskID), nil, &results)
	return results, err
}

func (c *Client) KillTask(ctx context.Context, taskID int) error {
	return c.do(ctx, http.MethodPost, "/kill/task", map[string]int{"task_id": taskID}, nil)
}

// Collaboration fetches a collaboration record; nodes use it to learn
// whether their collaboration encrypts payloads.
func (c *Client) Collaboration(ctx context.Context, id int) (*types.Collaboration, error) {
	var collab types.Collaboration
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/collaboration/%d", id), nil, &collab); err != nil {
		return nil, err
	}
	return &collab, nil
}

// ReportColumns publishes this node's view of a dataframe's schema after a
// session-modifying step wrote it.
func (c *Client) ReportColumns(ctx context.Context, sessionID int, handle string, cols []types.DataframeColumn) error {
	return c.do(ctx, http.MethodPatch,
		fmt.Sprintf("/session/%d/dataframe/%s/column", sessionID, handle),
		map[string]any{"columns": cols}, nil)
}

func (c *Client) Organization(ctx context.Context, id int) (*types.Organization, error) {
	var org types.Organization
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/organization/%d", id), nil, &org); err != nil {
		return nil, err
	}
	return &org, nil
}

// SetPublicKey uploads the organization's current encryption key.
func (c *Client) SetPublicKey(ctx context.Context, orgID int, publicKey string) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/organization/%d", orgID),
		map[string]string{"public_key": publicKey}, nil)
}

// BlobStoreEnabled asks whether the coordinator accepts blob uploads.
func (c *Client) BlobStoreEnabled(ctx context.Context) (bool, error) {
	var status struct {
		Enabled bool `json:"blob_store_enabled"`
	}
	err := c.do(ctx, http.MethodGet, "/blobstream/status", nil, &status)
	return status.Enabled, err
}

// UploadBlob streams content to the coordinator and returns the blob uuid.
func (c *Client) UploadBlob(ctx context.Context, r io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/blobstream", r)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", readAPIError(resp)
	}

	var created struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.UUID, nil
}

// DownloadBlob streams a blob's content; the caller closes the reader.
func (c *Client) DownloadBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/blobstream/"+id, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp.Body, nil
}

func (c *Client) setAuth(req *http.Request) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// do issues one JSON request with retry on transient failures. A 401 on an
// authenticated call triggers a single token refresh before retrying.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	refreshed := false

	return retry.Do(
		func() error {
			err := c.once(ctx, method, path, body, out)
			c.mu.Lock()
			hasRefresh := c.refresh != ""
			c.mu.Unlock()
			if IsStatus(err, http.StatusUnauthorized) && !refreshed && hasRefresh && path != "/token/refresh" {
				refreshed = true
				if rerr := c.RefreshToken(ctx); rerr == nil {
					return err // retry with the new token
				}
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
}

// retryable permits retries for transport errors, 5xx, and one 401
// (handled via refresh in do).
func retryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Status == http.StatusUnauthorized
	}
	return true
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, r)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := readAPIError(resp)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusUnauthorized {
			return retry.Unrecoverable(err)
		}
		return err
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// doPaged fetches one page and returns the next page's path from the Link
// header, or "" when this was the last page.
func (c *Client) doPaged(ctx context.Context, path string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", err
	}

	if m := nextLinkRe.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
		return m[1], nil
	}
	return "", nil
}

func readAPIError(resp *http.Response) error {
	var envelope struct {
		Msg string `json:"msg"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &envelope) != nil || envelope.Msg == "" {
		envelope.Msg = string(raw)
	}
	return &apiError{Status: resp.StatusCode, Msg: envelope.Msg}
}
