package pdf

import (
	"context"
	"errors"
	"fmt"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog"

	"flipbook/internal/models"
)

// PageCounter reports how many pages the document at path has.
type PageCounter interface {
	PageCount(ctx context.Context, path string) (int, error)
}

// FitzCounter counts pages in-process with MuPDF.
type FitzCounter struct{}

func (FitzCounter) PageCount(_ context.Context, path string) (int, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return 0, fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// Resolver asks the primary counter first and the fallback only when the
// primary fails or reports zero pages.
type Resolver struct {
	primary PageCounter
	log     zerolog.Logger
}

func NewResolver(primary PageCounter, log zerolog.Logger) *Resolver {
	return &Resolver{primary: primary, log: log.With().Str("component", "page_count").Logger()}
}

func (r *Resolver) Resolve(ctx context.Context, path string, fallback PageCounter) (int, error) {
	n, primaryErr := r.primary.PageCount(ctx, path)
	if primaryErr == nil && n > 0 {
		return n, nil
	}
	if primaryErr == nil {
		primaryErr = errors.New("primary counter reported zero pages")
	}
	r.log.Warn().Err(primaryErr).Str("path", path).Msg("primary page count failed, trying fallback")

	if fallback == nil {
		return 0, models.NewError(models.KindPageCountUnknown, "no fallback counter", primaryErr)
	}
	n, err := fallback.PageCount(ctx, path)
	if err != nil {
		return 0, models.NewError(models.KindPageCountUnknown, "both counters failed", errors.Join(primaryErr, err))
	}
	if n <= 0 {
		return 0, models.NewError(models.KindPageCountUnknown, "both counters reported zero pages", primaryErr)
	}
	return n, nil
}
