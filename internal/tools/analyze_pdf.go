package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halvorsen/tokenbroker/internal/provider"
)

// analyzePDFInput mirrors ANALYZE_PDF_TOOL's input_schema in
// original_source/bot/core/tools/analyze_pdf.py.
type analyzePDFInput struct {
	ProviderFileID string `json:"provider_file_id"`
	Question       string `json:"question"`
	Pages          string `json:"pages"`
}

// NewAnalyzePDFDescriptor builds the free-tier document-analysis tool.
// Pages narrows the document scope the model is asked to focus on; the
// Files API still sends the whole document, matching the original's
// page-range-as-prompt-hint approach rather than true server-side slicing.
func NewAnalyzePDFDescriptor(client *provider.Client, visionModel string) Descriptor {
	return Descriptor{
		Name:                "analyze_pdf",
		Emoji:               "📄",
		Description:         "Analyze a PDF document's text and visual elements (charts, tables, diagrams). Pass a pages range like \"1-5\" or \"all\" to control scope and cost.",
		AllowedMIMEPrefixes: []string{"application/pdf"},
		Schema: map[string]any{
			"properties": map[string]any{
				"provider_file_id": map[string]any{"type": "string", "description": "Files API file ID of an application/pdf file"},
				"question":         map[string]any{"type": "string", "description": "What to analyze or extract from the PDF"},
				"pages":            map[string]any{"type": "string", "description": "Page range: '1-5', '3', or 'all' (default)"},
			},
			"required": []string{"provider_file_id", "question"},
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var in analyzePDFInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return Result{Text: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
			}
			if in.ProviderFileID == "" || in.Question == "" {
				return Result{Text: "provider_file_id and question are required", IsError: true}, nil
			}
			question := in.Question
			if in.Pages != "" && in.Pages != "all" {
				question = fmt.Sprintf("%s\n\nAnalyze pages: %s", question, in.Pages)
			}
			events := client.Stream(ctx, provider.Request{
				Model:           visionModel,
				MaxOutputTokens: 4096,
				Messages: []provider.HistoryMessage{
					{Role: "user", Text: fmt.Sprintf("[document file:%s] %s", in.ProviderFileID, question)},
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
