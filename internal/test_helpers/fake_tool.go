package testhelpers

import (
	"context"
	"errors"
	"image/color"
	"os"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// RenderCall records one FakeTool.Render invocation.
type RenderCall struct {
	Page int
	DPI  int
	Out  string
}

// FakeTool stands in for Ghostscript: Optimize copies the file, Render
// writes a small PNG sized from the DPI.
type FakeTool struct {
	mu sync.Mutex

	Pages        int
	PageCountErr error
	OptimizeErr  error

	// OptimizeDelay stalls Optimize, honouring ctx.
	OptimizeDelay time.Duration
	// FailPage makes every render of that page fail with RenderErr.
	FailPage  int
	RenderErr error
	// SkipWrite makes Render succeed without producing a file.
	SkipWrite bool

	Optimized   []string
	PageCounted int
	Renders     []RenderCall
}

func (f *FakeTool) Optimize(ctx context.Context, src, dst string) error {
	if f.OptimizeDelay > 0 {
		select {
		case <-time.After(f.OptimizeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OptimizeErr != nil {
		return f.OptimizeErr
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	f.Optimized = append(f.Optimized, src)
	return os.WriteFile(dst, data, 0o644)
}

func (f *FakeTool) PageCount(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PageCounted++
	return f.Pages, f.PageCountErr
}

func (f *FakeTool) Render(_ context.Context, _ string, page, dpi int, out string) error {
	f.mu.Lock()
	f.Renders = append(f.Renders, RenderCall{Page: page, DPI: dpi, Out: out})
	failPage, renderErr, skip := f.FailPage, f.RenderErr, f.SkipWrite
	f.mu.Unlock()

	if page == failPage {
		if renderErr == nil {
			renderErr = errors.New("exit status 1")
		}
		return renderErr
	}
	if skip {
		return nil
	}
	img := imaging.New(dpi/10, dpi/5, color.White)
	return imaging.Save(img, out)
}

// RenderedPages returns the distinct pages rendered, in call order.
func (f *FakeTool) RenderedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.Renders {
		if len(out) == 0 || out[len(out)-1] != c.Page {
			out = append(out, c.Page)
		}
	}
	return out
}

// CountingPages is a pdf.PageCounter returning a fixed result.
type CountingPages struct {
	N   int
	Err error
}

func (c CountingPages) PageCount(context.Context, string) (int, error) {
	return c.N, c.Err
}
