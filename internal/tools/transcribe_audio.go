package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/halvorsen/tokenbroker/internal/pricing"
)

// transcribeAudioInput mirrors TRANSCRIBE_AUDIO_TOOL's input_schema in
// original_source/bot/core/tools/transcribe_audio.py.
type transcribeAudioInput struct {
	ProviderFileID string `json:"provider_file_id"`
	Language       string `json:"language"`
}

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// FileFetcher loads a previously-uploaded file's bytes and filename by its
// provider file ID, for tools that need to re-download raw content (Files
// API file IDs aren't directly downloadable; the bot's own upload cache is
// the source of truth).
type FileFetcher func(ctx context.Context, providerFileID string) (data []byte, filename string, err error)

// NewTranscribeAudioDescriptor builds the paid speech-to-text tool, calling
// the OpenAI Whisper API directly over HTTP exactly as
// sam-saffron-jarvis-term-llm's internal/llm/whisper.go does (this SDK
// version of openai-go has no transcriptions client, so the raw multipart
// request is the grounded pattern here, not a stdlib-avoidance shortcut).
func NewTranscribeAudioDescriptor(httpClient *http.Client, apiKey string, fetch FileFetcher, table *pricing.Table, onCost func(costUSD float64)) Descriptor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Descriptor{
		Name:  "transcribe_audio",
		Emoji: "🎤",
		Paid:  true,
		Description: "Transcribe audio/video using OpenAI Whisper. Supports 90+ languages with auto-detection. " +
			"Use only for files from \"Available files\" needing explicit transcription. Cost: $0.006/min.",
		AllowedMIMEPrefixes: []string{"audio/", "video/"},
		Schema: map[string]any{
			"properties": map[string]any{
				"provider_file_id": map[string]any{"type": "string", "description": "Files API file ID of an audio/video file"},
				"language":         map[string]any{"type": "string", "description": "ISO 639-1 code, or 'auto' for automatic detection (default)"},
			},
			"required": []string{"provider_file_id"},
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var in transcribeAudioInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return Result{Text: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
			}
			if in.ProviderFileID == "" {
				return Result{Text: "provider_file_id is required", IsError: true}, nil
			}
			data, filename, err := fetch(ctx, in.ProviderFileID)
			if err != nil {
				return Result{Text: fmt.Sprintf("file not found: %v", err), IsError: true}, nil
			}

			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			fw, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return Result{}, fmt.Errorf("transcribe_audio: create form file: %w", err)
			}
			if _, err := fw.Write(data); err != nil {
				return Result{}, fmt.Errorf("transcribe_audio: write form file: %w", err)
			}
			_ = mw.WriteField("model", "whisper-1")
			_ = mw.WriteField("response_format", "verbose_json")
			if in.Language != "" && in.Language != "auto" {
				_ = mw.WriteField("language", in.Language)
			}
			mw.Close()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/audio/transcriptions", &body)
			if err != nil {
				return Result{}, fmt.Errorf("transcribe_audio: build request: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+apiKey)
			req.Header.Set("Content-Type", mw.FormDataContentType())

			resp, err := httpClient.Do(req)
			if err != nil {
				return Result{Text: fmt.Sprintf("whisper request failed: %v", err), IsError: true}, nil
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				b, _ := io.ReadAll(resp.Body)
				return Result{Text: fmt.Sprintf("whisper API error %d: %s", resp.StatusCode, string(b)), IsError: true}, nil
			}

			var result whisperResponse
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return Result{}, fmt.Errorf("transcribe_audio: decode response: %w", err)
			}

			if onCost != nil && table != nil {
				onCost(table.ToolCostForDuration("transcribe_audio", result.Duration))
			}

			return Result{Text: fmt.Sprintf("Transcript (%.0fs, %s): %s", result.Duration, result.Language, result.Text)}, nil
		},
	}
}
