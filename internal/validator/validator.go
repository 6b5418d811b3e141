// Package validator gates uploads before ingest (type, extension, size) and
// verifies the assembled object after reassembly (digest, structure).
package validator

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/data-platform/dataset-upload/internal/domain"
	"github.com/data-platform/dataset-upload/internal/observability"
	"github.com/data-platform/dataset-upload/internal/storage/object"
)

// Validator validates upload requests and assembled objects.
type Validator struct {
	allowedTypes      map[string]bool
	allowedExtensions map[string]bool
	maxFileSize       int64
	digestAlgorithm   string
	sniffer           *Sniffer
	logger            *observability.Logger
}

// Config holds validator configuration.
type Config struct {
	AllowedTypes      []string
	AllowedExtensions []string
	MaxFileSize       int64
	DigestAlgorithm   string
	Logger            *observability.Logger
}

// NewValidator creates a new validator.
func NewValidator(cfg Config) *Validator {
	allowedTypes := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowedTypes[strings.ToLower(t)] = true
	}
	allowedExtensions := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, e := range cfg.AllowedExtensions {
		allowedExtensions[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	return &Validator{
		allowedTypes:      allowedTypes,
		allowedExtensions: allowedExtensions,
		maxFileSize:       cfg.MaxFileSize,
		digestAlgorithm:   cfg.DigestAlgorithm,
		sniffer:           NewSniffer(),
		logger:            logger.WithComponent("validator"),
	}
}

// ValidateRequest runs all pre-ingest gates: declared type against the type
// allow-list, file extension against the extension allow-list, and declared
// size against bounds. The two list checks are independent and all failures
// are aggregated into one error.
func (v *Validator) ValidateRequest(fileName, declaredType string, declaredSize int64) error {
	var failures []string

	if !v.allowedTypes[strings.ToLower(declaredType)] {
		failures = append(failures, fmt.Sprintf("type %q is not allowed", declaredType))
	}
	if !v.allowedExtensions[Extension(fileName)] {
		failures = append(failures, fmt.Sprintf("extension of %q is not allowed", fileName))
	}
	if declaredSize <= 0 {
		failures = append(failures, "declared size must be positive")
	} else if declaredSize > v.maxFileSize {
		failures = append(failures, fmt.Sprintf("declared size %d exceeds maximum %d", declaredSize, v.maxFileSize))
	}

	if len(failures) > 0 {
		return domain.ErrInvalidFileType.
			WithMessage(strings.Join(failures, "; ")).
			WithDetails(map[string]any{"failures": failures})
	}
	return nil
}

// ParseDigest splits an "<algo>:<hex>" digest declaration and checks the
// algorithm is supported. An empty digest is valid: verification is skipped.
func (v *Validator) ParseDigest(digest string) (algo, hexDigest string, err error) {
	if digest == "" {
		return "", "", nil
	}

	algo, hexDigest, ok := strings.Cut(digest, ":")
	if !ok || algo != v.digestAlgorithm {
		return "", "", domain.ErrInvalidFileType.WithMessage(
			fmt.Sprintf("digest must have the form %s:<hex>", v.digestAlgorithm))
	}
	if _, err := hex.DecodeString(hexDigest); err != nil || hexDigest == "" {
		return "", "", domain.ErrInvalidFileType.WithMessage("digest is not valid hex")
	}
	return algo, strings.ToLower(hexDigest), nil
}

// Verify checks the assembled object: its byte length against the declared
// size, its digest against the expected digest when one was supplied, and
// its structure for JSON/JSONL datasets. The object is streamed from the
// store in a single pass.
func (v *Validator) Verify(ctx context.Context, store object.Store, session *domain.Session, finalKey string) error {
	rc, err := store.Get(ctx, finalKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(rc, hasher)}

	head := make([]byte, SniffLen)
	n, err := io.ReadFull(counter, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to read assembled object", err)
	}
	head = head[:n]
	if v.sniffer.Contradicts(head, session.DeclaredType) {
		// Advisory only: binary content under a text declaration is
		// suspicious but gating happened at ingest.
		v.logger.WithContext(ctx).WithField("declared_type", session.DeclaredType).
			Warn("assembled content does not look like the declared type")
	}

	rest := io.MultiReader(bytes.NewReader(head), counter)
	if err := v.checkStructure(session.FileName, rest); err != nil {
		return err
	}
	// Drain whatever the structural check did not consume so the hash and
	// byte count cover the whole object.
	if _, err := io.Copy(io.Discard, counter); err != nil {
		return domain.NewDomainError(domain.ErrCodeStorage, "failed to read assembled object", err)
	}

	if counter.n != session.DeclaredSize {
		return domain.NewDomainError(domain.ErrCodeInternal,
			fmt.Sprintf("assembled object is %d bytes, session declared %d", counter.n, session.DeclaredSize), nil)
	}

	if session.ExpectedDigest == "" {
		v.logger.WithContext(ctx).Warn("no expected digest supplied, integrity verification skipped")
		return nil
	}

	_, want, err := v.ParseDigest(session.ExpectedDigest)
	if err != nil {
		return err
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != want {
		return domain.ErrDigestMismatch.WithDetails(map[string]any{
			"expected": want,
			"actual":   got,
		})
	}
	return nil
}

// checkStructure validates JSON/JSONL payloads; other types pass through.
// Best-effort per file type, but a structural failure is fatal.
func (v *Validator) checkStructure(fileName string, r io.Reader) error {
	switch Extension(fileName) {
	case "json":
		dec := json.NewDecoder(r)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return domain.ErrStructural.WithMessage("not a valid JSON document")
		}
		// A single JSON value: anything further than EOF is trailing garbage.
		if err := dec.Decode(&value); err != io.EOF {
			return domain.ErrStructural.WithMessage("trailing data after JSON document")
		}
	case "jsonl":
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 {
				continue
			}
			if !json.Valid(text) {
				return domain.ErrStructural.
					WithMessage(fmt.Sprintf("line %d is not valid JSON", line)).
					WithDetails(map[string]any{"line": line})
			}
		}
		if err := scanner.Err(); err != nil {
			return domain.NewDomainError(domain.ErrCodeStorage, "failed to scan assembled object", err)
		}
	}
	return nil
}

// countingReader counts bytes as they flow through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
