// ABOUTME: REST client for the Lark open platform messaging APIs
// ABOUTME: Every call consults the credential manager and retries once on token expiry

package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/coven-lark/internal/creds"
)

// codeTokenExpired is the platform's "access token expired" error code.
// The token looked valid locally but the server disagrees; refresh once.
const codeTokenExpired = 99991663

// ErrSendFailed wraps platform-level send rejections.
var ErrSendFailed = errors.New("lark send failed")

// Client calls the Lark messaging REST APIs.
type Client struct {
	baseURL string
	creds   *creds.Manager
	logger  *slog.Logger
	client  *http.Client
}

// NewClient creates a REST client against baseURL.
func NewClient(baseURL string, cm *creds.Manager, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   cm,
		logger:  logger.With("component", "lark"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do sends one authorized request. A token-expired response invalidates the
// cached tenant token and retries exactly once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		token, err := c.creds.Token(ctx, creds.KindTenant)
		if err != nil {
			return nil, fmt.Errorf("tenant credential: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json; charset=utf-8")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", path, err)
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		var api apiResponse
		if err := json.Unmarshal(raw, &api); err != nil {
			return nil, fmt.Errorf("parse response from %s (%d): %w", path, resp.StatusCode, err)
		}
		if api.Code == codeTokenExpired && attempt == 0 {
			c.logger.Info("tenant token rejected, refreshing once")
			c.creds.Invalidate(creds.KindTenant)
			continue
		}
		if api.Code != 0 {
			return nil, fmt.Errorf("%w: %s: code=%d msg=%q", ErrSendFailed, path, api.Code, api.Msg)
		}
		return api.Data, nil
	}
}

type sendMessageData struct {
	MessageID string `json:"message_id"`
}

func (c *Client) sendMessage(ctx context.Context, chatID, msgType string, content any) (string, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	query := url.Values{"receive_id_type": {"chat_id"}}
	data, err := c.do(ctx, http.MethodPost, "/open-apis/im/v1/messages", query, map[string]string{
		"receive_id": chatID,
		"msg_type":   msgType,
		"content":    string(contentJSON),
	})
	if err != nil {
		return "", err
	}
	var out sendMessageData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse send result: %w", err)
	}
	return out.MessageID, nil
}

// SendText sends a plain text message and returns its message id.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	return c.sendMessage(ctx, chatID, "text", map[string]string{"text": text})
}

// SendCard sends an interactive card and returns its message id.
func (c *Client) SendCard(ctx context.Context, chatID string, card json.RawMessage) (string, error) {
	query := url.Values{"receive_id_type": {"chat_id"}}
	data, err := c.do(ctx, http.MethodPost, "/open-apis/im/v1/messages", query, map[string]string{
		"receive_id": chatID,
		"msg_type":   "interactive",
		"content":    string(card),
	})
	if err != nil {
		return "", err
	}
	var out sendMessageData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse send result: %w", err)
	}
	return out.MessageID, nil
}

// UpdateCard replaces the content of a previously sent card.
func (c *Client) UpdateCard(ctx context.Context, messageID string, card json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPatch, "/open-apis/im/v1/messages/"+messageID, nil,
		map[string]string{"content": string(card)})
	return err
}

// AddReaction attaches an emoji reaction to a message.
func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	_, err := c.do(ctx, http.MethodPost,
		"/open-apis/im/v1/messages/"+messageID+"/reactions", nil,
		map[string]any{"reaction_type": map[string]string{"emoji_type": emoji}})
	return err
}

// DownloadResource fetches an attachment (file, image, or audio) from a
// message. resourceType is "file" or "image".
func (c *Client) DownloadResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, error) {
	token, err := c.creds.Token(ctx, creds.KindTenant)
	if err != nil {
		return nil, fmt.Errorf("tenant credential: %w", err)
	}

	fullURL := fmt.Sprintf("%s/open-apis/im/v1/messages/%s/resources/%s?type=%s",
		c.baseURL, messageID, fileKey, url.QueryEscape(resourceType))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download resource: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resource download returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 100<<20))
}

// doMultipart uploads one field+file pair to an upload endpoint, with the
// same token-expired retry as do.
func (c *Client) doMultipart(ctx context.Context, path string, fields map[string]string, fileField, fileName string, data []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	for attempt := 0; ; attempt++ {
		token, err := c.creds.Token(ctx, creds.KindTenant)
		if err != nil {
			return nil, fmt.Errorf("tenant credential: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", w.FormDataContentType())

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", path, err)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		var api apiResponse
		if err := json.Unmarshal(raw, &api); err != nil {
			return nil, fmt.Errorf("parse response from %s (%d): %w", path, resp.StatusCode, err)
		}
		if api.Code == codeTokenExpired && attempt == 0 {
			c.logger.Info("tenant token rejected, refreshing once")
			c.creds.Invalidate(creds.KindTenant)
			continue
		}
		if api.Code != 0 {
			return nil, fmt.Errorf("%w: %s: code=%d msg=%q", ErrSendFailed, path, api.Code, api.Msg)
		}
		return api.Data, nil
	}
}

// UploadFile uploads a file and returns its file key for sending.
func (c *Client) UploadFile(ctx context.Context, fileName string, data []byte) (string, error) {
	resp, err := c.doMultipart(ctx, "/open-apis/im/v1/files",
		map[string]string{"file_type": "stream", "file_name": fileName},
		"file", fileName, data)
	if err != nil {
		return "", err
	}
	var out struct {
		FileKey string `json:"file_key"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("parse upload result: %w", err)
	}
	return out.FileKey, nil
}

// UploadImage uploads an image and returns its image key for sending.
func (c *Client) UploadImage(ctx context.Context, data []byte) (string, error) {
	resp, err := c.doMultipart(ctx, "/open-apis/im/v1/images",
		map[string]string{"image_type": "message"},
		"image", "image", data)
	if err != nil {
		return "", err
	}
	var out struct {
		ImageKey string `json:"image_key"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("parse upload result: %w", err)
	}
	return out.ImageKey, nil
}

// SendFile sends a previously uploaded file to a chat.
func (c *Client) SendFile(ctx context.Context, chatID, fileKey string) (string, error) {
	return c.sendMessage(ctx, chatID, "file", map[string]string{"file_key": fileKey})
}

// SendImage sends a previously uploaded image to a chat.
func (c *Client) SendImage(ctx context.Context, chatID, imageKey string) (string, error) {
	return c.sendMessage(ctx, chatID, "image", map[string]string{"image_key": imageKey})
}

type wsEndpointData struct {
	URL string `json:"url"`
}

// wsEndpoint asks the platform for a fresh long-connection URL. Endpoints
// are single-use; every reconnect fetches a new one.
func (c *Client) wsEndpoint(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/callback/ws/endpoint", nil, struct{}{})
	if err != nil {
		return "", err
	}
	var out wsEndpointData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("endpoint response missing url")
	}
	return out.URL, nil
}
