package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const serviceGemini = "gemini"

// systemInstruction pins the model to the sorter's category taxonomy.
const systemInstruction = `You are an image recognition software, designed to recognize the objects presented to be placed in the following categories. Of the below 3 category, return a category ID and category name of the recognized object.
Categories:
- Cans
- Bottles
- Garbage
Only recognize and categorize the primary object presented. If the primary object is not cans or bottles, it is garbage.`

const userPrompt = "Please identify the primary object in this image and classify it."

// Gemini implements Classifier for Google's Gemini API.
// The response is forced onto a strict JSON schema; anything that does
// not conform is a hard failure for that call.
type Gemini struct {
	apiKey string
	config *Config
	http   *http.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini classifier.
func NewGemini(opts ...Option) (*Gemini, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	cfg.Model = "gemini-2.0-flash"
	cfg.Apply(opts...)

	if cfg.APIKey == "" {
		return nil, WrapError(serviceGemini, ErrNoAPIKey)
	}

	return &Gemini{
		apiKey: cfg.APIKey,
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.With("component", "vision.gemini"),
	}, nil
}

// Name identifies the classifier.
func (g *Gemini) Name() string { return serviceGemini }

// Classify sends the frame with the category taxonomy and a forced
// response schema, and validates the structured reply.
func (g *Gemini) Classify(ctx context.Context, jpeg []byte) (*Prediction, error) {
	start := time.Now()

	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"role": "user",
				"parts": []map[string]interface{}{
					{"text": userPrompt},
					{"inline_data": map[string]string{
						"mime_type": "image/jpeg",
						"data":      base64.StdEncoding.EncodeToString(jpeg),
					}},
				},
			},
		},
		"systemInstruction": map[string]interface{}{
			"parts": []map[string]interface{}{
				{"text": systemInstruction},
			},
		},
		"generationConfig": map[string]interface{}{
			"temperature":      0.0,
			"maxOutputTokens":  200,
			"responseMimeType": "application/json",
			"responseSchema": map[string]interface{}{
				"type":     "OBJECT",
				"required": []string{"recognized_category", "recognized_category_id"},
				"properties": map[string]interface{}{
					"recognized_category":    map[string]string{"type": "STRING"},
					"recognized_category_id": map[string]string{"type": "INTEGER"},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(serviceGemini, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		g.config.BaseURL, g.config.Model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(serviceGemini, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, WrapError(serviceGemini, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.parseError(resp)
	}

	var result geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(serviceGemini, fmt.Errorf("decode response: %w", err))
	}

	if result.Error.Message != "" {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    result.Error.Message,
			Service:    serviceGemini,
		}
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, WrapError(serviceGemini, ErrEmptyResponse)
	}

	text := strings.TrimSpace(result.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return nil, WrapError(serviceGemini, ErrEmptyResponse)
	}

	var rec struct {
		RecognizedCategory   string `json:"recognized_category"`
		RecognizedCategoryID int    `json:"recognized_category_id"`
	}
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return nil, WrapError(serviceGemini, fmt.Errorf("decode structured reply: %w", err))
	}
	if rec.RecognizedCategory == "" {
		return nil, WrapError(serviceGemini, fmt.Errorf("structured reply missing recognized_category"))
	}
	category, ok := CategoryFromID(rec.RecognizedCategoryID)
	if !ok {
		return nil, WrapError(serviceGemini,
			fmt.Errorf("structured reply has invalid recognized_category_id %d", rec.RecognizedCategoryID))
	}

	g.logger.Debug("gemini result",
		"category", category.String(),
		"label", rec.RecognizedCategory,
	)

	return &Prediction{
		Category:  category,
		Label:     rec.RecognizedCategory,
		Raw:       json.RawMessage(text),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// parseError reads and parses an error response.
func (g *Gemini) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}

	message := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Service:    serviceGemini,
	}
}

// geminiResponse is the Gemini API response format.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Verify Gemini implements Classifier at compile time.
var _ Classifier = (*Gemini)(nil)
