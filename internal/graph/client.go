package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chatcart/chatcart/pkg/config"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/logging"
	"github.com/chatcart/chatcart/pkg/resilience"
)

// Graph error codes that indicate throttling
const (
	codeAppThrottle      = 4
	codeUserThrottle     = 17
	codePageThrottle     = 32
	codeBusinessThrottle = 613
)

// Client is the resilient facade over the Meta Graph API. Every call is
// suppressed while the backoff controller reports an active cooldown and
// otherwise runs through the circuit breaker; quota usage reported in
// response headers feeds back into the controller.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiVersion  string
	accessToken string

	breaker *resilience.CircuitBreaker
	backoff *resilience.BackoffController
	logger  *logging.Logger
}

// NewClient creates a Graph API client
func NewClient(cfg config.GraphConfig, breaker *resilience.CircuitBreaker, backoff *resilience.BackoffController) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     cfg.BaseURL,
		apiVersion:  cfg.APIVersion,
		accessToken: cfg.AccessToken,
		breaker:     breaker,
		backoff:     backoff,
		logger:      logging.GetLogger(),
	}
}

// SendResult is the outcome of a message or comment-reply call
type SendResult struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// UserProfile is the subset of an Instagram user profile the assistant uses
type UserProfile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profile_pic"`
	FollowerCount  int    `json:"follower_count"`
}

// SendMessage sends a direct message to an Instagram user
func (c *Client) SendMessage(ctx context.Context, recipientID, text string) (*SendResult, error) {
	if recipientID == "" || text == "" {
		return nil, errors.NewValidationError("recipient and text are required")
	}

	body := map[string]interface{}{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	}

	var result SendResult
	if err := c.do(ctx, http.MethodPost, "/me/messages", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetUserProfile fetches a user profile
func (c *Client) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	if userID == "" {
		return nil, errors.NewValidationError("user id is required")
	}

	params := url.Values{}
	params.Set("fields", "id,name,username,profile_pic,follower_count")

	var profile UserProfile
	if err := c.do(ctx, http.MethodGet, "/"+userID, params, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// ReplyToComment posts a reply to a media comment
func (c *Client) ReplyToComment(ctx context.Context, commentID, text string) (*SendResult, error) {
	if commentID == "" || text == "" {
		return nil, errors.NewValidationError("comment id and text are required")
	}

	body := map[string]interface{}{"message": text}

	var result SendResult
	if err := c.do(ctx, http.MethodPost, "/"+commentID+"/replies", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do runs one API call through the backoff check and the circuit breaker
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	if state := c.backoff.ShouldBackOff(); state.Active {
		return errors.NewRateLimitError("graph api cooldown active: "+state.Reason, state.Until)
	}

	result := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, params, body, out)
	}, nil)

	return result.Err
}

// roundTrip performs the HTTP exchange and classifies the response at the
// boundary: usage headers are recorded into the backoff controller and
// error payloads become typed errors carrying the Graph code and subcode.
func (c *Client) roundTrip(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", c.accessToken)

	endpoint := fmt.Sprintf("%s/%s%s?%s", c.baseURL, c.apiVersion, path, params.Encode())

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.NewInternalError("failed to encode request body").WithCause(err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return errors.NewInternalError("failed to build request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewConnectionError("graph api request failed").WithCause(err)
	}
	defer resp.Body.Close()

	c.recordUsage(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NewConnectionError("failed to read graph api response").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return c.classifyResponse(resp, data)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.NewExternalError("graph", "unexpected response payload").WithCause(err)
		}
	}
	return nil
}

// appUsage mirrors the X-App-Usage header payload (percentages)
type appUsage struct {
	CallCount    float64 `json:"call_count"`
	TotalTime    float64 `json:"total_time"`
	TotalCPUTime float64 `json:"total_cputime"`
}

// businessUsageEntry mirrors one entry of X-Business-Use-Case-Usage
type businessUsageEntry struct {
	Type                        string  `json:"type"`
	CallCount                   float64 `json:"call_count"`
	TotalTime                   float64 `json:"total_time"`
	TotalCPUTime                float64 `json:"total_cputime"`
	EstimatedTimeToRegainAccess int     `json:"estimated_time_to_regain_access"`
}

// recordUsage parses quota headers into a usage signal for the controller
func (c *Client) recordUsage(resp *http.Response) {
	signal := resilience.UsageSignal{
		Dimensions: make(map[string]float64),
		ObservedAt: time.Now(),
	}

	if raw := resp.Header.Get("X-App-Usage"); raw != "" {
		var usage appUsage
		if err := json.Unmarshal([]byte(raw), &usage); err == nil {
			signal.Dimensions["app_call_count"] = usage.CallCount
			signal.Dimensions["app_total_time"] = usage.TotalTime
			signal.Dimensions["app_total_cputime"] = usage.TotalCPUTime
		}
	}

	if raw := resp.Header.Get("X-Business-Use-Case-Usage"); raw != "" {
		var usage map[string][]businessUsageEntry
		if err := json.Unmarshal([]byte(raw), &usage); err == nil {
			for _, entries := range usage {
				for _, entry := range entries {
					if entry.CallCount > signal.Dimensions["business_call_count"] {
						signal.Dimensions["business_call_count"] = entry.CallCount
					}
					if entry.TotalTime > signal.Dimensions["business_total_time"] {
						signal.Dimensions["business_total_time"] = entry.TotalTime
					}
					if regain := time.Duration(entry.EstimatedTimeToRegainAccess) * time.Minute; regain > signal.RetryAfter {
						signal.RetryAfter = regain
					}
				}
			}
		}
	}

	if len(signal.Dimensions) == 0 && signal.RetryAfter == 0 {
		return
	}
	c.backoff.RecordUsageSignal(signal)
}

// graphErrorBody mirrors the Graph API error envelope
type graphErrorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// classifyResponse turns a non-2xx response into a typed error
func (c *Client) classifyResponse(resp *http.Response, data []byte) error {
	var body graphErrorBody
	_ = json.Unmarshal(data, &body)

	throttled := resp.StatusCode == http.StatusTooManyRequests ||
		body.Error.Code == codeAppThrottle ||
		body.Error.Code == codeUserThrottle ||
		body.Error.Code == codePageThrottle ||
		body.Error.Code == codeBusinessThrottle

	if throttled {
		resetAt := time.Now().Add(c.retryAfter(resp))
		err := errors.NewRateLimitError("graph api throttled", resetAt).
			WithDetail("code", strconv.Itoa(body.Error.Code)).
			WithDetail("subcode", strconv.Itoa(body.Error.ErrorSubcode))

		c.backoff.RecordUsageSignal(resilience.UsageSignal{
			RetryAfter: time.Until(resetAt),
			ObservedAt: time.Now(),
		})
		return err
	}

	message := body.Error.Message
	if message == "" {
		message = fmt.Sprintf("graph api returned status %d", resp.StatusCode)
	}
	return errors.NewExternalError("graph", message).
		WithDetail("status", strconv.Itoa(resp.StatusCode)).
		WithDetail("code", strconv.Itoa(body.Error.Code)).
		WithDetail("subcode", strconv.Itoa(body.Error.ErrorSubcode)).
		WithDetail("fbtrace_id", body.Error.FBTraceID)
}

// retryAfter extracts the server-provided throttle duration, defaulting to
// one minute when the header is absent or malformed.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return time.Minute
}
