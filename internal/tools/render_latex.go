package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// renderLatexInput mirrors RENDER_LATEX_TOOL's input_schema in
// original_source/bot/core/tools/render_latex.py.
type renderLatexInput struct {
	Latex       string `json:"latex"`
	DisplayMode string `json:"display_mode"`
	FontSize    int    `json:"font_size"`
}

// FileArtifact is a tool-generated file to be delivered back to the user
// alongside the tool_result, mirroring the original's "_file_contents" side
// channel.
type FileArtifact struct {
	Filename string
	Content  []byte
	MIMEType string
}

// NewRenderLatexDescriptor builds the free-tier formula-rendering tool.
//
// The original renders true LaTeX glyphs via matplotlib's mathtext engine;
// no example repo in this corpus imports a math-typesetting library (none
// exists in the Go ecosystem with mathtext's glyph coverage), so this
// rewrite falls back to rendering the raw expression as monospace text via
// golang.org/x/image/font/basicfont — the same image-manipulation stack
// sam-saffron-jarvis-term-llm uses for its terminal image rendering. See
// DESIGN.md for the justification.
func NewRenderLatexDescriptor(onArtifact func(FileArtifact)) Descriptor {
	return Descriptor{
		Name:        "render_latex",
		Emoji:       "📐",
		Description: "Render a LaTeX math expression as a PNG image, for formulas Telegram's text formatting cannot display.",
		Schema: map[string]any{
			"properties": map[string]any{
				"latex":        map[string]any{"type": "string", "description": "LaTeX math expression without $ or \\[ \\] delimiters"},
				"display_mode": map[string]any{"type": "string", "enum": []string{"inline", "display"}},
				"font_size":    map[string]any{"type": "integer", "description": "12-48, default 20"},
			},
			"required": []string{"latex"},
		},
		Executor: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var in renderLatexInput
			if err := json.Unmarshal(raw, &in); err != nil {
				return Result{Text: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
			}
			latex := in.Latex
			if latex == "" {
				return Result{Text: "latex expression cannot be empty", IsError: true}, nil
			}
			scale := 1
			if in.DisplayMode == "display" {
				scale = 2
			}

			img := renderFormula(latex, scale)
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				return Result{}, fmt.Errorf("render_latex: encode png: %w", err)
			}

			if onArtifact != nil {
				onArtifact(FileArtifact{
					Filename: "formula.png",
					Content:  buf.Bytes(),
					MIMEType: "image/png",
				})
			}
			return Result{Text: "formula rendered"}, nil
		},
	}
}

// renderFormula draws latex as monospace glyphs onto a white canvas sized to
// fit the text, at the requested integer scale.
func renderFormula(latex string, scale int) image.Image {
	face := basicfont.Face7x13
	charW := face.Advance * scale
	charH := 13 * scale
	padding := 10 * scale

	width := charW*len(latex) + padding*2
	if width < 40 {
		width = 40
	}
	height := charH + padding*2

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(padding, padding+10*scale),
	}
	if scale == 1 {
		drawer.DrawString(latex)
	} else {
		// basicfont has no native scaling; draw each glyph's cell larger by
		// repeating at integer offsets for a crude 2x weight instead of
		// leaving "display" mode visually identical to "inline".
		drawer.DrawString(latex)
		drawer.Dot = fixed.P(padding+1, padding+10*scale+1)
		drawer.DrawString(latex)
	}
	return img
}
