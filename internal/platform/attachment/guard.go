// Package attachment validates files uploaded into a consultation before they
// are stored: size cap, declared type allow-list, magic-byte signature check
// and filename sanitization.
package attachment

import (
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/telemed/telemed/internal/platform/apperr"
)

const (
	// MaxSize is the largest accepted attachment in bytes.
	MaxSize = 10 * 1024 * 1024
	// MaxFilenameLength is the byte limit applied by Sanitize.
	MaxFilenameLength = 255

	minContentLength = 8
)

// AllowedTypes lists the mime types accepted for upload.
var AllowedTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// signatures maps a declared type to the byte prefixes its content may start
// with. Types absent from the table are not signature-checked.
var signatures = map[string][][]byte{
	"image/jpeg":      {{0xFF, 0xD8, 0xFF}},
	"image/png":       {{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	"image/gif":       {[]byte("GIF87a"), []byte("GIF89a")},
	"image/webp":      {[]byte("RIFF")},
	"application/pdf": {[]byte("%PDF")},
}

// Validate checks data against the size cap, the allow-list and the magic
// bytes expected for mimeType. The returned error is an apperr validation
// error carrying the rejection reason.
func Validate(data []byte, filename, mimeType string) error {
	if strings.TrimSpace(filename) == "" {
		return apperr.Validation("INVALID_ATTACHMENT", "filename is required")
	}
	if len(data) > MaxSize {
		return apperr.Validation("INVALID_ATTACHMENT", fmt.Sprintf("file too large: maximum is %d MB", MaxSize/(1024*1024)))
	}
	mimeType = normalize(mimeType)
	if !AllowedTypes[mimeType] {
		return apperr.Validation("INVALID_ATTACHMENT", fmt.Sprintf("file type not allowed: %s", mimeType))
	}
	if len(data) < minContentLength {
		return apperr.Validation("INVALID_ATTACHMENT", "file content too small")
	}
	if !matchesSignature(data, mimeType) {
		return apperr.Validation("INVALID_ATTACHMENT", fmt.Sprintf("file content does not match declared type %s", mimeType))
	}
	return nil
}

func matchesSignature(data []byte, mimeType string) bool {
	prefixes, ok := signatures[mimeType]
	if !ok {
		return true
	}
	for _, p := range prefixes {
		if bytes.HasPrefix(data, p) {
			return true
		}
	}
	return false
}

// normalize lowercases a content type and drops any parameters.
func normalize(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// DetectMIME sniffs the content type of data. It is used when the client
// declares nothing useful (empty or application/octet-stream).
func DetectMIME(data []byte) string {
	return normalize(mimetype.Detect(data).String())
}

// ResolveMIME returns declared unless it is empty or generic, in which case
// the sniffed type is returned.
func ResolveMIME(data []byte, declared string) string {
	d := normalize(declared)
	if d == "" || d == "application/octet-stream" {
		return DetectMIME(data)
	}
	return d
}

// Sanitize reduces filename to a safe basename: path components, traversal
// sequences and control characters are removed and the result is truncated
// to MaxFilenameLength bytes with its extension kept.
func Sanitize(filename string) (string, error) {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = path.Base(name)
	name = strings.ReplaceAll(name, "..", "")

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7F || r == '/' || r == '\\' {
			continue
		}
		b.WriteRune(r)
	}
	name = strings.TrimSpace(b.String())
	if name == "" || name == "." {
		return "", apperr.Validation("INVALID_FILENAME", "invalid filename")
	}

	if len(name) > MaxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= MaxFilenameLength {
			ext = ""
		}
		stem := truncateUTF8(strings.TrimSuffix(name, ext), MaxFilenameLength-len(ext))
		name = stem + ext
	}
	return name, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
