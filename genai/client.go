package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://openai.qiniu.com/v1"
	defaultImageModel  = "flux-schnell"
	defaultVisionModel = "qwen2.5-vl-32b-instruct"
)

// ErrNoOutput is returned when the provider answers without any usable output.
var ErrNoOutput = errors.New("genai: provider returned no output")

// Client wraps the HTTP calls to an OpenAI compatible images/chat API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	imageModel  string
	visionModel string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - GENAI_API_KEY: required API key for the provider
//   - GENAI_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - GENAI_IMAGE_MODEL: optional override for the image generation model
//   - GENAI_VISION_MODEL: optional override for the categorisation model
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("GENAI_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("genai: GENAI_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("GENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("genai: invalid base URL %q", baseURL)
	}

	imageModel := strings.TrimSpace(os.Getenv("GENAI_IMAGE_MODEL"))
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	visionModel := strings.TrimSpace(os.Getenv("GENAI_VISION_MODEL"))
	if visionModel == "" {
		visionModel = defaultVisionModel
	}

	httpClient := &http.Client{Timeout: 90 * time.Second}

	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		apiKey:      apiKey,
		imageModel:  imageModel,
		visionModel: visionModel,
	}, nil
}

// imageGenerationRequest is the request body for the images endpoint.
type imageGenerationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

// imageGenerationResponse captures the subset of fields we consume.
type imageGenerationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// GenerateImage asks the provider for a portrait image matching the prompt
// and returns it as a base64 data URI.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if c == nil {
		return "", errors.New("genai: client not configured")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("genai: prompt is required")
	}

	payload := imageGenerationRequest{
		Model:          c.imageModel,
		Prompt:         fmt.Sprintf("Generate a user avatar based on the following description: %q. The image should be a close-up portrait, suitable for a profile picture.", prompt),
		N:              1,
		Size:           "512x512",
		ResponseFormat: "b64_json",
	}

	var response imageGenerationResponse
	if err := c.postJSON(ctx, "/images/generations", payload, &response); err != nil {
		return "", err
	}
	if len(response.Data) == 0 {
		return "", ErrNoOutput
	}

	first := response.Data[0]
	if b64 := strings.TrimSpace(first.B64JSON); b64 != "" {
		return "data:image/png;base64," + b64, nil
	}
	if remote := strings.TrimSpace(first.URL); remote != "" {
		return c.fetchAsDataURI(ctx, remote)
	}
	return "", ErrNoOutput
}

// chatContentPart models one element of a multimodal chat message.
type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const categoryPrompt = "You are an expert at image analysis and categorization. " +
	"Provide a single, concise category for the given image: a simple noun or a short descriptive phrase " +
	"such as \"Portrait\", \"Fantasy Character\", \"Landscape\", \"Sci-Fi Armor\", \"Abstract Art\" or \"Animal\". " +
	"Do not provide a description, just the category name."

// SuggestCategory submits the image (as a base64 data URI) to the vision model
// and returns a single category label.
func (c *Client) SuggestCategory(ctx context.Context, imageDataURI string) (string, error) {
	if c == nil {
		return "", errors.New("genai: client not configured")
	}
	imageDataURI = strings.TrimSpace(imageDataURI)
	if !strings.HasPrefix(imageDataURI, "data:") {
		return "", errors.New("genai: image must be provided as a data URI")
	}

	imagePart := chatContentPart{Type: "image_url"}
	imagePart.ImageURL = &struct {
		URL string `json:"url"`
	}{URL: imageDataURI}

	payload := chatCompletionRequest{
		Model: c.visionModel,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []chatContentPart{
					{Type: "text", Text: categoryPrompt},
					imagePart,
				},
			},
		},
		MaxTokens: 32,
	}

	var response chatCompletionResponse
	if err := c.postJSON(ctx, "/chat/completions", payload, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", ErrNoOutput
	}

	category := strings.TrimSpace(response.Choices[0].Message.Content)
	category = strings.Trim(category, "\"'.")
	if category == "" {
		return "", ErrNoOutput
	}
	return category, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("genai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("genai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("genai: call provider: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return fmt.Errorf("genai: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return fmt.Errorf("genai: provider returned status %d: %s", resp.StatusCode, snippet)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("genai: decode response: %w", err)
	}
	return nil
}

func (c *Client) fetchAsDataURI(ctx context.Context, remote string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return "", fmt.Errorf("genai: build image fetch: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("genai: fetch generated image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("genai: fetch generated image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return "", fmt.Errorf("genai: read generated image: %w", err)
	}
	if len(data) == 0 {
		return "", ErrNoOutput
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
