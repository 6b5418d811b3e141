package validator

import (
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

// Extension returns the lowercase final extension segment of a file name,
// without the dot.
func Extension(fileName string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
}

// Sniffer detects content types from magic bytes. Dataset formats (JSON,
// CSV, JSONL) have no magic numbers, so a sniff can only contradict a
// declaration when the payload is a known binary format.
type Sniffer struct{}

// NewSniffer creates a new content sniffer.
func NewSniffer() *Sniffer {
	return &Sniffer{}
}

// SniffLen is how many leading bytes Detect needs.
const SniffLen = 262

// Detect returns the detected type for the byte head, or Unknown.
func (s *Sniffer) Detect(head []byte) types.Type {
	kind, err := filetype.Match(head)
	if err != nil {
		return filetype.Unknown
	}
	return kind
}

// Contradicts reports whether the sniffed content type is a known format
// that disagrees with the declared MIME type. Unknown sniffs never
// contradict: text-based dataset formats are indistinguishable by magic
// bytes.
func (s *Sniffer) Contradicts(head []byte, declaredType string) bool {
	kind := s.Detect(head)
	if kind == filetype.Unknown {
		return false
	}
	return !strings.EqualFold(kind.MIME.Value, declaredType)
}
