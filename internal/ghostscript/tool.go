package ghostscript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flipbook/internal/models"
)

var tracer = otel.Tracer("flipbook-ghostscript")

// Settings is the fixed invocation profile shared by every call of a run.
type Settings struct {
	OptimizeTimeout    time.Duration
	RenderTimeout      time.Duration
	PageCountTimeout   time.Duration
	PDFSettings        string
	CompatibilityLevel string
}

func SettingsFromConfig(cfg models.GhostscriptConfig) Settings {
	return Settings{
		OptimizeTimeout:    cfg.OptimizeTimeout,
		RenderTimeout:      cfg.RenderTimeout,
		PageCountTimeout:   cfg.PageCountTimeout,
		PDFSettings:        cfg.PDFSettings,
		CompatibilityLevel: cfg.CompatibilityLevel,
	}
}

// Tool is a located, working Ghostscript executable.
type Tool struct {
	Path    string
	Version string

	exec     Executor
	settings Settings
}

// NewTool wraps a known executable without probing it.
func NewTool(path string, exec Executor, settings Settings) *Tool {
	return &Tool{Path: path, exec: exec, settings: settings}
}

// Optimize rewrites src into dst with the pdfwrite device and the
// configured quality profile.
func (t *Tool) Optimize(ctx context.Context, src, dst string) error {
	ctx, span := tracer.Start(ctx, "ghostscript.optimize", trace.WithAttributes(attribute.String("src", src)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, t.settings.OptimizeTimeout)
	defer cancel()

	out, err := t.exec.Run(ctx, t.Path, optimizeArgs(t.settings, src, dst)...)
	if err != nil {
		span.RecordError(err)
		return models.NewError(models.KindOptimizationFailed, toolDiagnostic(ctx, out), err)
	}
	return nil
}

func optimizeArgs(s Settings, src, dst string) []string {
	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=" + s.CompatibilityLevel,
		"-dPDFSETTINGS=" + s.PDFSettings,
		"-dNOPAUSE", "-dQUIET", "-dBATCH",
		"-sOutputFile=" + dst,
		src,
	}
}

// PageCount asks Ghostscript for the page count of path.
func (t *Tool) PageCount(ctx context.Context, path string) (int, error) {
	ctx, span := tracer.Start(ctx, "ghostscript.page_count", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, t.settings.PageCountTimeout)
	defer cancel()

	out, err := t.exec.Run(ctx, t.Path, pageCountArgs(path)...)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("ghostscript page count: %w: %s", err, toolDiagnostic(ctx, out))
	}
	return parsePageCount(string(out))
}

func pageCountArgs(path string) []string {
	escaped := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(path)
	return []string{
		"-q", "-dNODISPLAY", "-dNOSAFER",
		"-c", fmt.Sprintf("(%s) (r) file runpdfbegin pdfpagecount = quit", escaped),
	}
}

// parsePageCount takes the last line of output that is a bare integer;
// Ghostscript may print warnings before it.
func parsePageCount(output string) (int, error) {
	count := -1
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if n, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err == nil {
			count = n
		}
	}
	if count < 0 {
		return 0, fmt.Errorf("no page count in ghostscript output %q", strings.TrimSpace(output))
	}
	return count, nil
}

// Render rasterizes a single page of src to a PNG at the given resolution.
func (t *Tool) Render(ctx context.Context, src string, page, dpi int, out string) error {
	ctx, span := tracer.Start(ctx, "ghostscript.render", trace.WithAttributes(
		attribute.Int("page", page),
		attribute.Int("dpi", dpi),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, t.settings.RenderTimeout)
	defer cancel()

	output, err := t.exec.Run(ctx, t.Path, renderArgs(src, page, dpi, out)...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ghostscript render at %d dpi: %w: %s", dpi, err, toolDiagnostic(ctx, output))
	}
	return nil
}

func renderArgs(src string, page, dpi int, out string) []string {
	return []string{
		"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"-sDEVICE=png16m",
		fmt.Sprintf("-r%d", dpi),
		fmt.Sprintf("-dFirstPage=%d", page),
		fmt.Sprintf("-dLastPage=%d", page),
		"-dTextAlphaBits=4",
		"-dGraphicsAlphaBits=4",
		"-sOutputFile=" + out,
		src,
	}
}

func toolDiagnostic(ctx context.Context, out []byte) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timed out"
	}
	msg := strings.TrimSpace(string(out))
	if len(msg) > 2000 {
		msg = msg[len(msg)-2000:]
	}
	return msg
}
