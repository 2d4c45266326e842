// Package extractor turns stored document bytes into plain text,
// dispatching on the file extension. Formats the registry does not know
// are fatal for the job: retrying an unsupported format cannot succeed.
package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/olegsm/document-processor/internal/core/domain"
)

type formatExtractor interface {
	extract(data []byte) (string, error)
}

type Registry struct {
	byExtension map[string]formatExtractor
}

func NewRegistry() *Registry {
	plain := &plaintextExtractor{}
	return &Registry{
		byExtension: map[string]formatExtractor{
			".txt":  plain,
			".md":   plain,
			".csv":  plain,
			".log":  plain,
			".json": plain,
			".pdf":  &pdfExtractor{},
			".docx": &docxExtractor{},
			".xlsx": &xlsxExtractor{},
		},
	}
}

func (r *Registry) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	fe, ok := r.byExtension[ext]
	if !ok {
		return "", domain.WrapError(domain.ErrUnsupportedFormat, "extract text",
			fmt.Errorf("no extractor for %q", ext))
	}

	text, err := fe.extract(data)
	if err != nil {
		return "", domain.WrapError(domain.ErrUnsupportedFormat, "extract text", err)
	}
	return text, nil
}
