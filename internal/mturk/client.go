package mturk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Statuses in the remote vocabulary.
const (
	StatusSubmitted = "Submitted"
	StatusApproved  = "Approved"
	StatusRejected  = "Rejected"
)

// AssignmentRecord is one remote submission record as returned by the
// requester API.
type AssignmentRecord struct {
	AssignmentID     string `json:"AssignmentId"`
	WorkerID         string `json:"WorkerId,omitempty"`
	HITID            string `json:"HITId,omitempty"`
	AssignmentStatus string `json:"AssignmentStatus,omitempty"`
	Answer           string `json:"Answer,omitempty"`
	SubmitTime       string `json:"SubmitTime,omitempty"`
}

type CreateHITInput struct {
	Title                       string `json:"Title"`
	Description                 string `json:"Description"`
	Keywords                    string `json:"Keywords,omitempty"`
	Reward                      string `json:"Reward"`
	AssignmentDurationInSeconds int    `json:"AssignmentDurationInSeconds"`
	LifetimeInSeconds           int    `json:"LifetimeInSeconds"`
	MaxAssignments              int    `json:"MaxAssignments"`
	Question                    string `json:"Question"`
}

// Client is the capability the reconciliation engine needs from the remote
// marketplace. ListAssignmentsForHIT calls fn once per page, in remote
// pagination order; returning an error from fn aborts the listing.
type Client interface {
	CreateHIT(ctx context.Context, in CreateHITInput) (string, error)
	ListAssignmentsForHIT(ctx context.Context, hitID string, statuses []string, pageSize int, fn func(page []AssignmentRecord) error) error
}

const requestTimeout = 30 * time.Second

// HTTPClient talks to an MTurk-shaped requester endpoint over amz-json.
// Signing is delegated to the gateway addressed by the endpoint; the
// configured token rides along as a bearer credential.
type HTTPClient struct {
	endpoint  string
	authToken string
	client    *http.Client
}

func NewHTTPClient(endpoint, authToken string) *HTTPClient {
	return &HTTPClient{
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

type createHITResponse struct {
	HIT struct {
		HITID string `json:"HITId"`
	} `json:"HIT"`
}

func (c *HTTPClient) CreateHIT(ctx context.Context, in CreateHITInput) (string, error) {
	var out createHITResponse
	if err := c.call(ctx, "CreateHIT", in, &out); err != nil {
		return "", err
	}
	if out.HIT.HITID == "" {
		return "", fmt.Errorf("mturk: CreateHIT returned no HITId")
	}
	return out.HIT.HITID, nil
}

type listAssignmentsRequest struct {
	HITID              string   `json:"HITId"`
	AssignmentStatuses []string `json:"AssignmentStatuses,omitempty"`
	MaxResults         int      `json:"MaxResults,omitempty"`
	NextToken          string   `json:"NextToken,omitempty"`
}

type listAssignmentsResponse struct {
	NextToken   string             `json:"NextToken,omitempty"`
	Assignments []AssignmentRecord `json:"Assignments"`
}

func (c *HTTPClient) ListAssignmentsForHIT(ctx context.Context, hitID string, statuses []string, pageSize int, fn func(page []AssignmentRecord) error) error {
	req := listAssignmentsRequest{
		HITID:              hitID,
		AssignmentStatuses: statuses,
		MaxResults:         pageSize,
	}
	for {
		var out listAssignmentsResponse
		if err := c.call(ctx, "ListAssignmentsForHIT", req, &out); err != nil {
			return err
		}
		if len(out.Assignments) > 0 {
			if err := fn(out.Assignments); err != nil {
				return err
			}
		}
		if out.NextToken == "" {
			return nil
		}
		req.NextToken = out.NextToken
	}
}

func (c *HTTPClient) call(ctx context.Context, action string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("mturk: marshal %s request: %w", action, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("mturk: create %s request: %w", action, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-amz-json-1.1")
	httpReq.Header.Set("X-Amz-Target", "MTurkRequesterServiceV20170117."+action)
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mturk: %s: %w", action, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("mturk: read %s response: %w", action, err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("mturk: %s returned status %d: %s", action, res.StatusCode, truncate(body, 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mturk: decode %s response: %w", action, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
