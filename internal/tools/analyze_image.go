package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halvorsen/tokenbroker/internal/provider"
)

// analyzeImageInput mirrors ANALYZE_IMAGE_TOOL's input_schema in
// original_source/bot/core/tools/analyze_image.py.
type analyzeImageInput struct {
	ProviderFileID string `json:"provider_file_id"`
	Question       string `json:"question"`
}

// NewAnalyzeImageDescriptor builds the free-tier vision tool. visionModel is
// a separate (usually cheaper) model dedicated to analysis calls, matching
// the Python original's use of a fixed model_id independent of the user's
// chosen conversation model.
func NewAnalyzeImageDescriptor(client *provider.Client, visionModel string) Descriptor {
	return Descriptor{
		Name:         "analyze_image",
		Emoji:        "🖼️",
		Description:  "Analyze an image (JPEG/PNG/GIF/WebP) using vision understanding: object detection, OCR, chart/diagram reading, scene description. Only works on image/* files — use execute_python for data files and analyze_pdf for PDFs.",
		AllowedMIMEPrefixes: []string{"image/"},
		Schema: map[string]any{
			"properties": map[string]any{
				"provider_file_id": map[string]any{"type": "string", "description": "Files API file ID of an image/* file"},
				"question":         map[string]any{"type": "string", "description": "What to analyze or extract from the image"},
			},
			"required": []string{"provider_file_id", "question"},
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var in analyzeImageInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return Result{Text: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
			}
			if in.ProviderFileID == "" || in.Question == "" {
				return Result{Text: "provider_file_id and question are required", IsError: true}, nil
			}
			// The actual vision call reuses the same streaming client with a
			// single-shot (non-streaming-consumed) request; the turn loop's
			// caller drains the channel to completion for tool sub-calls.
			events := client.Stream(ctx, provider.Request{
				Model:           visionModel,
				MaxOutputTokens: 2048,
				Messages: []provider.HistoryMessage{
					{Role: "user", Text: fmt.Sprintf("[image file:%s] %s", in.ProviderFileID, in.Question)},
				},
			})
			var text string
			for ev := range events {
				switch ev.Kind {
				case provider.EventTextDelta:
					text += ev.TextDelta
				case provider.EventError:
					return Result{Text: ev.Err.Error(), IsError: true}, nil
				}
			}
			return Result{Text: text}, nil
		},
	}
}
