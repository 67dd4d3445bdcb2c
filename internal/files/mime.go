package files

import (
	"net/http"
	"path/filepath"
	"strings"
)

// extensionMIME special-cases extensions net/http's sniffing and the
// standard mime package don't resolve usefully for this domain (code/text
// attachments the provider should see with a precise content type).
var extensionMIME = map[string]string{
	".jsonl": "application/jsonl",
	".md":    "text/markdown",
	".py":    "text/x-python",
	".go":    "text/x-go",
	".ts":    "text/x-typescript",
	".yaml":  "application/yaml",
	".yml":   "application/yaml",
}

// mimeRewrite normalizes MIME types Telegram or a client declares in a way
// the provider's Files API won't accept as-is.
var mimeRewrite = map[string]string{
	"application/x-jpg":  "image/jpeg",
	"image/jpg":          "image/jpeg",
	"audio/mpeg3":         "audio/mpeg",
	"application/ms-word": "application/msword",
}

// fallbackMIME is used when no other rule applies.
const fallbackMIME = "application/octet-stream"

// DetectMIME classifies a file's content type in the order the pipeline
// requires: magic bytes, then extension, then the caller's declared type
// (normalized through mimeRewrite), then a fixed fallback.
func DetectMIME(filename string, content []byte, declared string) string {
	if len(content) > 0 {
		sniffed := http.DetectContentType(content)
		if sniffed != "application/octet-stream" && sniffed != "text/plain; charset=utf-8" {
			return stripParams(sniffed)
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := extensionMIME[ext]; ok {
		return mt
	}

	if declared != "" {
		d := stripParams(strings.ToLower(declared))
		if rewritten, ok := mimeRewrite[d]; ok {
			return rewritten
		}
		return d
	}

	return fallbackMIME
}

func stripParams(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		return strings.TrimSpace(mt[:i])
	}
	return mt
}
