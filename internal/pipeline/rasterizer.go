package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/disintegration/imaging"

	"flipbook/internal/models"
)

// Progress is the percentage reported after page of total pages is done.
func Progress(page, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(page) / float64(total)))
}

// rasterize renders pages 1..total strictly in order, persisting each page
// and the progress as soon as both of its images exist.
func (r *run) rasterize(ctx context.Context, src, pagesDir string) error {
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return fmt.Errorf("create pages dir: %w", err)
	}
	for page := 1; page <= r.total; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := r.renderPage(ctx, src, pagesDir, page)
		if err != nil {
			return err
		}
		if err := r.store.SavePage(ctx, p); err != nil {
			return err
		}
		if err := r.store.SetProgress(ctx, r.m.ID, Progress(page, r.total)); err != nil {
			return err
		}
		r.log.Debug().Int("page", page).Int("total", r.total).Msg("page rendered")
	}
	return nil
}

func (r *run) renderPage(ctx context.Context, src, pagesDir string, page int) (*models.Page, error) {
	imagePath, thumbPath := r.opts.Layout.PagePaths(pagesDir, page)

	if err := r.tool.Render(ctx, src, page, r.opts.DisplayDPI, imagePath); err != nil {
		return nil, models.RenderFailed(page, err)
	}
	if err := r.tool.Render(ctx, src, page, r.opts.PreviewDPI, thumbPath); err != nil {
		return nil, models.RenderFailed(page, err)
	}

	// The tool can exit cleanly without writing a usable image.
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, models.RenderFailed(page, err)
	}
	if _, err := os.Stat(thumbPath); err != nil {
		return nil, models.RenderFailed(page, err)
	}
	bounds := img.Bounds()

	return &models.Page{
		MagazineID:       r.m.ID,
		PageNumber:       page,
		ImagePath:        imagePath,
		ImageURL:         r.opts.Layout.URL(imagePath),
		ThumbnailPath:    thumbPath,
		ThumbnailURL:     r.opts.Layout.URL(thumbPath),
		Width:            bounds.Dx(),
		Height:           bounds.Dy(),
		ProcessingStatus: models.StatusCompleted,
	}, nil
}
