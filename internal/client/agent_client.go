package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/slidecast/api/internal/config"
	"github.com/slidecast/api/internal/retry"
)

// TaskRunner defines the operations the orchestrator needs from the agent
// API: start a remote task, fetch its result, and move files in and out.
type TaskRunner interface {
	CreateTask(ctx context.Context, prompt string, attachments []Attachment) (string, error)
	GetTask(ctx context.Context, taskID string, convert bool, cfg retry.Config) (*TaskResult, error)
	DownloadFile(ctx context.Context, url string) ([]byte, error)
	UploadFile(ctx context.Context, fileName string, content []byte) (string, error)
}

// Remote task statuses reported by the agent API.
const (
	RemoteStatusPending   = "pending"
	RemoteStatusRunning   = "running"
	RemoteStatusCompleted = "completed"
	RemoteStatusFailed    = "failed"
)

// Attachment references an input file for a remote task. Either FileID (an
// id from a previous upload or task output) or URL is set.
type Attachment struct {
	FileName string `json:"filename"`
	FileID   string `json:"file_id,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TaskResult is the agent API's view of a remote task, including its output
// message list.
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Output      []OutputMessage `json:"output"`
	CreditUsage int             `json:"credit_usage,omitempty"`
}

// OutputMessage is one message in a remote task's output stream.
type OutputMessage struct {
	Content []ContentItem `json:"content"`
}

// ContentItem is a typed content element of an output message: text or a
// file reference.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileID   string `json:"fileId,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// OutputFile is a file deliverable extracted from a task result.
type OutputFile struct {
	FileName string
	FileID   string
	URL      string
	MimeType string
}

// OutputFiles collects every file reference from the result's output
// messages, in output order.
func (r *TaskResult) OutputFiles() []OutputFile {
	var files []OutputFile
	for _, msg := range r.Output {
		for _, item := range msg.Content {
			switch item.Type {
			case "output_file", "file", "artifact", "video":
				if item.FileID == "" && item.FileURL == "" {
					continue
				}
				files = append(files, OutputFile{
					FileName: item.FileName,
					FileID:   item.FileID,
					URL:      item.FileURL,
					MimeType: item.MimeType,
				})
			}
		}
	}
	return files
}

// FindOutputFile returns the first output file whose name has the given
// extension (e.g. ".md"), or the first file at all when ext is empty.
func (r *TaskResult) FindOutputFile(ext string) (OutputFile, bool) {
	for _, f := range r.OutputFiles() {
		if ext == "" || strings.HasSuffix(strings.ToLower(f.FileName), ext) {
			return f, true
		}
	}
	return OutputFile{}, false
}

// APIError is a non-2xx response from the agent API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent API error (status %d): %s", e.StatusCode, e.Body)
}

// HTTPStatusCode lets the retry layer classify 5xx as transient and 4xx as
// permanent.
func (e *APIError) HTTPStatusCode() int { return e.StatusCode }

// AgentClient implements TaskRunner against the remote generation API.
type AgentClient struct {
	httpClient     *http.Client
	downloadClient *http.Client
	baseURL        string
	apiKey         string
	retryCfg       retry.Config
	downloadCfg    retry.Config
}

// NewAgentClient creates an agent API client. Calls route through the retry
// layer with the budgets from cfg; downloads get a separate, longer timeout.
func NewAgentClient(cfg *config.AgentConfig) *AgentClient {
	return &AgentClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		downloadClient: &http.Client{
			Timeout: time.Duration(cfg.DownloadTimeout) * time.Second,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		retryCfg: retry.Config{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: time.Duration(cfg.InitialDelayMS) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.MaxDelayMS) * time.Millisecond,
			Timeout:      time.Duration(cfg.RequestTimeout) * time.Second,
			Multiplier:   2.0,
		},
		downloadCfg: retry.Config{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: 2 * time.Second,
			MaxDelay:     60 * time.Second,
			Timeout:      time.Duration(cfg.DownloadTimeout) * time.Second,
			Multiplier:   2.0,
		},
	}
}

// CreateTask starts a new remote task and returns its id.
func (c *AgentClient) CreateTask(ctx context.Context, prompt string, attachments []Attachment) (string, error) {
	body := map[string]interface{}{"prompt": prompt}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}

	result, err := retry.Do(ctx, "create task", c.retryCfg, func(ctx context.Context) (map[string]json.RawMessage, error) {
		var out map[string]json.RawMessage
		if err := c.post(ctx, "/v1/tasks", body, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}

	taskID := rawString(result["task_id"])
	if taskID == "" {
		taskID = rawString(result["id"])
	}
	if taskID == "" {
		return "", fmt.Errorf("agent API returned no task id")
	}

	log.Printf("[Agent API] Task created: %s", taskID)
	return taskID, nil
}

// GetTask fetches a remote task's full result. The caller supplies the retry
// budget because webhook-driven fetches need a stage-appropriate one — the
// result may not be queryable immediately after the webhook fires.
func (c *AgentClient) GetTask(ctx context.Context, taskID string, convert bool, cfg retry.Config) (*TaskResult, error) {
	endpoint := "/v1/tasks/" + taskID
	if convert {
		endpoint += "?convert=true"
	}
	return retry.Do(ctx, "get task "+taskID, cfg, func(ctx context.Context) (*TaskResult, error) {
		var result TaskResult
		if err := c.get(ctx, endpoint, &result); err != nil {
			return nil, err
		}
		if result.TaskID == "" {
			result.TaskID = taskID
		}
		return &result, nil
	})
}

// DownloadFile fetches an artifact from its URL.
func (c *AgentClient) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	return retry.Do(ctx, "download file", c.downloadCfg, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}

		resp, err := c.downloadClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read download body: %w", err)
		}
		log.Printf("[Agent API] Downloaded %d bytes", len(data))
		return data, nil
	})
}

// UploadFile uploads a file to the agent API and returns the assigned file
// id. Used as the last-resort path for passing a stage deliverable to the
// next stage.
func (c *AgentClient) UploadFile(ctx context.Context, fileName string, content []byte) (string, error) {
	result, err := retry.Do(ctx, "upload file "+fileName, c.retryCfg, func(ctx context.Context) (map[string]json.RawMessage, error) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		if _, err := part.Write(content); err != nil {
			return nil, retry.Permanent(err)
		}
		if err := writer.Close(); err != nil {
			return nil, retry.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", &buf)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		var out map[string]json.RawMessage
		if err := c.doRequest(req, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}

	fileID := rawString(result["file_id"])
	if fileID == "" {
		fileID = rawString(result["id"])
	}
	if fileID == "" {
		return "", fmt.Errorf("agent API returned no file id for %s", fileName)
	}
	return fileID, nil
}

// RegisterWebhook registers the callback URL with the agent API and returns
// the webhook id.
func (c *AgentClient) RegisterWebhook(ctx context.Context, url string) (string, error) {
	body := map[string]interface{}{"webhook": map[string]string{"url": url}}

	result, err := retry.Do(ctx, "register webhook", c.retryCfg, func(ctx context.Context) (map[string]json.RawMessage, error) {
		var out map[string]json.RawMessage
		if err := c.post(ctx, "/v1/webhooks", body, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}

	webhookID := rawString(result["webhook_id"])
	if webhookID == "" {
		webhookID = rawString(result["id"])
	}
	log.Printf("[Agent API] Webhook registered: %s → %s", webhookID, url)
	return webhookID, nil
}

// DeleteWebhook removes a previously registered webhook.
func (c *AgentClient) DeleteWebhook(ctx context.Context, webhookID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/webhooks/"+webhookID, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

// IsConfigured returns true if the client has an API key.
func (c *AgentClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *AgentClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, result)
}

func (c *AgentClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	return c.doRequest(req, result)
}

func (c *AgentClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Agent API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Agent API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Agent API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return retry.Permanent(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return nil
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
