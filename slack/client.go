// Package slack implements the chat front end: a Web API client, a
// Socket Mode event loop, intake handlers, human-in-the-loop question
// forwarding, and result posting.
package slack

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

	"golang.org/x/time/rate"

	"github.com/AltairaLabs/DispatchKit/logger"
	pkgerrors "github.com/AltairaLabs/DispatchKit/pkg/errors"
	"github.com/AltairaLabs/DispatchKit/pkg/httputil"
)

const (
	defaultAPIBaseURL = "https://slack.com/api"

	contentTypeHeader = "Content-Type"
	applicationJSON   = "application/json; charset=utf-8"
	applicationForm   = "application/x-www-form-urlencoded"

	// chat.postMessage is tier-limited to roughly one message per second
	// per channel; a small burst keeps short exchanges snappy.
	messageRatePerSec = 1
	messageRateBurst  = 3
)

// apiResponse is the envelope every Web API call returns.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r apiResponse) result() (bool, string) { return r.OK, r.Error }

// apiResult lets the shared call path check the ok envelope on any
// decoded response type.
type apiResult interface {
	result() (ok bool, errCode string)
}

// Client is a minimal Slack Web API client covering the calls the
// orchestrator needs. All methods are safe for concurrent use.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	uploads *http.Client
	limiter *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the Web API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Web API client authenticating with the given bot
// token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultAPIBaseURL,
		http:    httputil.NewHTTPClient(httputil.DefaultAPITimeout),
		uploads: httputil.NewHTTPClient(httputil.DefaultUploadTimeout),
		limiter: rate.NewLimiter(messageRatePerSec, messageRateBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type postMessageResponse struct {
	apiResponse
	TS string `json:"ts"`
}

// SendMessage posts text to a channel, optionally inside a thread, and
// returns the new message's timestamp.
func (c *Client) SendMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", pkgerrors.New("slack", "chat.postMessage", err)
	}
	var resp postMessageResponse
	err := c.callJSON(ctx, "chat.postMessage", postMessageRequest{
		Channel:  channel,
		Text:     text,
		ThreadTS: threadTS,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

type updateMessageRequest struct {
	Channel string `json:"channel"`
	TS      string `json:"ts"`
	Text    string `json:"text"`
}

// UpdateMessage edits an existing message in place.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	var resp apiResponse
	return c.callJSON(ctx, "chat.update", updateMessageRequest{
		Channel: channel,
		TS:      ts,
		Text:    text,
	}, &resp)
}

type authTestResponse struct {
	apiResponse
	UserID string `json:"user_id"`
	User   string `json:"user"`
	Team   string `json:"team"`
}

// AuthTest verifies the bot token and returns the bot's user ID.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	var resp authTestResponse
	if err := c.callJSON(ctx, "auth.test", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

type uploadURLResponse struct {
	apiResponse
	UploadURL string `json:"upload_url"`
	FileID    string `json:"file_id"`
}

type completeUploadRequest struct {
	Files     []completeUploadFile `json:"files"`
	ChannelID string               `json:"channel_id"`
	ThreadTS  string               `json:"thread_ts,omitempty"`
}

type completeUploadFile struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// UploadFile shares content as a file in the channel, attached to the
// thread, using the three-step external upload sequence: negotiate an
// upload URL, post the content, then complete the upload.
func (c *Client) UploadFile(ctx context.Context, channel, content, filename, threadTS string) error {
	var negotiated uploadURLResponse
	err := c.callForm(ctx, "files.getUploadURLExternal", url.Values{
		"filename": {filename},
		"length":   {strconv.Itoa(len(content))},
	}, &negotiated)
	if err != nil {
		return err
	}

	if err := c.uploadContent(ctx, negotiated.UploadURL, content); err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return pkgerrors.New("slack", "files.completeUploadExternal", err)
	}
	var resp apiResponse
	return c.callJSON(ctx, "files.completeUploadExternal", completeUploadRequest{
		Files:     []completeUploadFile{{ID: negotiated.FileID, Title: filename}},
		ChannelID: channel,
		ThreadTS:  threadTS,
	}, &resp)
}

// uploadContent posts the raw file body to the negotiated upload URL.
// The URL is pre-authorized, so no token rides along.
func (c *Client) uploadContent(ctx context.Context, uploadURL, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, strings.NewReader(content))
	if err != nil {
		return pkgerrors.New("slack", "upload", err)
	}
	req.Header.Set(contentTypeHeader, "application/octet-stream")

	resp, err := c.uploads.Do(req)
	if err != nil {
		return pkgerrors.New("slack", "upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return pkgerrors.New("slack", "upload",
			fmt.Errorf("upload failed: %s", strings.TrimSpace(string(body)))).
			WithStatusCode(resp.StatusCode)
	}
	return nil
}

type respondRequest struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// Respond posts text back through a slash command's response URL. The
// reply is ephemeral, visible only to the invoking user.
func (c *Client) Respond(ctx context.Context, responseURL, text string) error {
	body, err := json.Marshal(respondRequest{ResponseType: "ephemeral", Text: text})
	if err != nil {
		return pkgerrors.New("slack", "respond", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(body))
	if err != nil {
		return pkgerrors.New("slack", "respond", err)
	}
	req.Header.Set(contentTypeHeader, applicationJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.New("slack", "respond", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pkgerrors.New("slack", "respond",
			fmt.Errorf("response URL rejected the message")).
			WithStatusCode(resp.StatusCode)
	}
	return nil
}

// callJSON executes a Web API method with a JSON body.
func (c *Client) callJSON(ctx context.Context, method string, body any, out apiResult) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.New("slack", method, fmt.Errorf("failed to marshal request: %w", err))
	}
	logger.APIRequest("slack", http.MethodPost, c.baseURL+"/"+method,
		c.logHeaders(applicationJSON), json.RawMessage(payload))
	return c.call(ctx, method, applicationJSON, bytes.NewReader(payload), out)
}

// callForm executes a Web API method that only accepts form encoding.
func (c *Client) callForm(ctx context.Context, method string, form url.Values, out apiResult) error {
	logger.APIRequest("slack", http.MethodPost, c.baseURL+"/"+method,
		c.logHeaders(applicationForm), nil)
	return c.call(ctx, method, applicationForm, strings.NewReader(form.Encode()), out)
}

// logHeaders mirrors the outgoing headers for debug logging. The logger
// redacts the token.
func (c *Client) logHeaders(contentType string) map[string]string {
	return map[string]string{
		contentTypeHeader: contentType,
		"Authorization":   "Bearer " + c.token,
	}
}

// call performs one Web API request and decodes the ok envelope.
// Transport failures, non-200 statuses, and ok=false responses all
// surface as *pkgerrors.ContextualError.
func (c *Client) call(ctx context.Context, method, contentType string, body io.Reader, out apiResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, body)
	if err != nil {
		return pkgerrors.New("slack", method, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set(contentTypeHeader, contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.New("slack", method, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.New("slack", method, fmt.Errorf("failed to read response: %w", err))
	}
	logger.APIResponse("slack", resp.StatusCode, string(respBody), nil)

	if resp.StatusCode != http.StatusOK {
		logger.Error("Slack API request failed",
			"method", method,
			"status", resp.StatusCode,
			"response", string(respBody))
		return pkgerrors.New("slack", method,
			fmt.Errorf("request failed with status %d", resp.StatusCode)).
			WithStatusCode(resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return pkgerrors.New("slack", method, fmt.Errorf("failed to decode response: %w", err))
	}
	if ok, code := out.result(); !ok {
		logger.Error("Slack API returned an error", "method", method, "error", code)
		return pkgerrors.New("slack", method, fmt.Errorf("slack error: %s", code))
	}
	return nil
}
