package backapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freightdesk/notifyhub/internal/event"
)

// HTTPError is a non-2xx response from the dispatch backend.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to the dispatch backend's REST surface: the endpoints the
// polling watchers and the presence snapshot consume. Transient failures
// (429, 5xx, transport errors) are retried with capped exponential backoff,
// honoring Retry-After.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// AssignedLoads lists the loads currently assigned to an employee.
func (c *Client) AssignedLoads(ctx context.Context, empID string) ([]event.Assignment, error) {
	return c.assignments(ctx, "/v1/loads/assigned", empID, event.AssignmentLoad)
}

// AssignedDeliveryOrders lists the delivery orders currently assigned to an
// employee.
func (c *Client) AssignedDeliveryOrders(ctx context.Context, empID string) ([]event.Assignment, error) {
	return c.assignments(ctx, "/v1/delivery-orders/assigned", empID, event.AssignmentDeliveryOrder)
}

func (c *Client) assignments(ctx context.Context, path, empID string, kind event.AssignmentKind) ([]event.Assignment, error) {
	q := url.Values{}
	q.Set("empId", strings.TrimSpace(empID))
	var out struct {
		Items []map[string]any `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	now := time.Now()
	assignments := make([]event.Assignment, 0, len(out.Items))
	for _, raw := range out.Items {
		a, err := event.NormalizeAssignment(raw, kind, now)
		if err != nil {
			// One bad row must not poison the snapshot.
			continue
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// NegotiationThread returns the message thread of a bid as notifications, so
// the negotiation watcher can feed them through the regular dispatch path.
func (c *Client) NegotiationThread(ctx context.Context, bidID string) ([]event.Notification, error) {
	var out struct {
		Messages []map[string]any `json:"messages"`
	}
	path := fmt.Sprintf("/v1/bids/%s/messages", url.PathEscape(strings.TrimSpace(bidID)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	now := time.Now()
	notifications := make([]event.Notification, 0, len(out.Messages))
	for _, raw := range out.Messages {
		// Negotiation rows have no type discriminator on the wire; they are
		// always person-to-person.
		raw["type"] = string(event.KindIndividual)
		n, err := event.Normalize(raw, now)
		if err != nil {
			continue
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// OnlineStatuses bulk-resolves which of the given employees are online.
func (c *Client) OnlineStatuses(ctx context.Context, empIDs []string) (map[string]bool, error) {
	body := map[string]any{"empIds": empIDs}
	var out struct {
		Statuses []struct {
			EmpID  string `json:"empId"`
			Online bool   `json:"online"`
		} `json:"statuses"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/users/online-status", body, &out); err != nil {
		return nil, err
	}
	statuses := make(map[string]bool, len(out.Statuses))
	for _, s := range out.Statuses {
		if s.EmpID != "" {
			statuses[s.EmpID] = s.Online
		}
	}
	return statuses, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
