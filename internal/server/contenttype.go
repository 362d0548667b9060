package server

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// extensionTypes is the explicit table Open Question 4 asks for: known
// extensions map directly to a MIME type without touching the filesystem.
var extensionTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".txt":  "text/plain",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
}

const defaultContentType = "application/octet-stream"

// detectContentType resolves path's Content-Type from the extension table
// first; when the extension is unknown it sniffs the first bytes of the
// file with mimetype, falling back to application/octet-stream when that
// too can't tell.
func detectContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := extensionTypes[ext]; ok {
		return ct
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil || mt == nil {
		return defaultContentType
	}
	return mt.String()
}
