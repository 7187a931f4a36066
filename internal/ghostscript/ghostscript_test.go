package ghostscript_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flipbook/internal/ghostscript"
	"flipbook/internal/models"
)

type call struct {
	name string
	args []string
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []call
	respond func(ctx context.Context, name string, args []string) ([]byte, error)
}

func (f *fakeExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	return f.respond(ctx, name, args)
}

var settings = ghostscript.Settings{
	OptimizeTimeout:    time.Second,
	RenderTimeout:      time.Second,
	PageCountTimeout:   time.Second,
	PDFSettings:        "/ebook",
	CompatibilityLevel: "1.4",
}

func TestLocator_Locate(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the first candidate that answers --version", func(t *testing.T) {
		// given
		exec := &fakeExecutor{respond: func(_ context.Context, name string, _ []string) ([]byte, error) {
			if name == "/opt/gs" {
				return []byte("10.02.1\n"), nil
			}
			return nil, errors.New("exit status 127")
		}}
		locator := ghostscript.NewLocator([]ghostscript.Strategy{
			ghostscript.FixedStrategy{Paths: []string{"/missing/gs", "/opt/gs", "/usr/bin/gs"}},
		}, exec, time.Second, settings, zerolog.Nop())

		// when
		tool, err := locator.Locate(ctx)

		// then
		require.NoError(t, err)
		require.Equal(t, "/opt/gs", tool.Path)
		require.Equal(t, "10.02.1", tool.Version)
		require.Len(t, exec.calls, 2)
		require.Equal(t, []string{"--version"}, exec.calls[0].args)
	})

	t.Run("should fail with ToolNotFound after trying every candidate", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(context.Context, string, []string) ([]byte, error) {
			return nil, errors.New("not found")
		}}
		locator := ghostscript.NewLocator([]ghostscript.Strategy{
			ghostscript.FixedStrategy{Paths: []string{"/a/gs", "/b/gs"}},
			ghostscript.FixedStrategy{Paths: []string{"/b/gs", "/c/gs"}},
		}, exec, time.Second, settings, zerolog.Nop())

		_, err := locator.Locate(ctx)

		require.ErrorIs(t, err, models.ErrToolNotFound)
		require.Len(t, exec.calls, 3, "duplicates are probed once")
	})

	t.Run("should treat a hanging candidate as absent", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(ctx context.Context, name string, _ []string) ([]byte, error) {
			if name == "/slow/gs" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return []byte("9.56"), nil
		}}
		locator := ghostscript.NewLocator([]ghostscript.Strategy{
			ghostscript.FixedStrategy{Paths: []string{"/slow/gs", "/fast/gs"}},
		}, exec, 20*time.Millisecond, settings, zerolog.Nop())

		tool, err := locator.Locate(ctx)

		require.NoError(t, err)
		require.Equal(t, "/fast/gs", tool.Path)
	})

	t.Run("should probe again on every call", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(context.Context, string, []string) ([]byte, error) {
			return []byte("10.0"), nil
		}}
		locator := ghostscript.NewLocator([]ghostscript.Strategy{
			ghostscript.FixedStrategy{Paths: []string{"/usr/bin/gs"}},
		}, exec, time.Second, settings, zerolog.Nop())

		_, err := locator.Locate(ctx)
		require.NoError(t, err)
		_, err = locator.Locate(ctx)
		require.NoError(t, err)
		require.Len(t, exec.calls, 2)
	})
}

func TestStrategies(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("FLIPBOOK_TEST_GS", " /custom/gs ")
		require.Equal(t, []string{"/custom/gs"}, ghostscript.EnvStrategy{Var: "FLIPBOOK_TEST_GS"}.Candidates())
		require.Empty(t, ghostscript.EnvStrategy{Var: "FLIPBOOK_TEST_UNSET"}.Candidates())
	})

	t.Run("glob returns newest version first", func(t *testing.T) {
		dir := t.TempDir()
		for _, v := range []string{"gs9.56", "gs10.02"} {
			require.NoError(t, os.MkdirAll(filepath.Join(dir, v, "bin"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, v, "bin", "gs"), nil, 0o755))
		}
		got := ghostscript.GlobStrategy{Patterns: []string{filepath.Join(dir, "*", "bin", "gs")}}.Candidates()
		require.Equal(t, []string{
			filepath.Join(dir, "gs9.56", "bin", "gs"),
			filepath.Join(dir, "gs10.02", "bin", "gs"),
		}, got)
	})

	t.Run("config order", func(t *testing.T) {
		var cfg models.Config
		cfg.ApplyDefaults()
		strategies := ghostscript.StrategiesFromConfig(cfg.Ghostscript)
		names := make([]string, 0, len(strategies))
		for _, s := range strategies {
			names = append(names, s.Name())
		}
		require.Equal(t, []string{"env:GHOSTSCRIPT_PATH", "path", "fixed", "glob"}, names)
	})
}

func TestTool_Optimize(t *testing.T) {
	ctx := context.Background()

	t.Run("should pass the pdfwrite profile", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(context.Context, string, []string) ([]byte, error) { return nil, nil }}
		tool := ghostscript.NewTool("/usr/bin/gs", exec, settings)

		require.NoError(t, tool.Optimize(ctx, "/in.pdf", "/out.pdf"))

		require.Equal(t, "/usr/bin/gs", exec.calls[0].name)
		require.Equal(t, []string{
			"-sDEVICE=pdfwrite", "-dCompatibilityLevel=1.4", "-dPDFSETTINGS=/ebook",
			"-dNOPAUSE", "-dQUIET", "-dBATCH", "-sOutputFile=/out.pdf", "/in.pdf",
		}, exec.calls[0].args)
	})

	t.Run("should carry tool output on failure", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(context.Context, string, []string) ([]byte, error) {
			return []byte("Error: /syntaxerror in pdfmark"), errors.New("exit status 1")
		}}
		err := ghostscript.NewTool("gs", exec, settings).Optimize(ctx, "/in.pdf", "/out.pdf")
		require.ErrorIs(t, err, models.ErrOptimizationFailed)
		require.Contains(t, err.Error(), "syntaxerror")
	})

	t.Run("should time out", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(ctx context.Context, _ string, _ []string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		short := settings
		short.OptimizeTimeout = 10 * time.Millisecond
		err := ghostscript.NewTool("gs", exec, short).Optimize(ctx, "/in.pdf", "/out.pdf")
		require.ErrorIs(t, err, models.ErrOptimizationFailed)
		require.Contains(t, err.Error(), "timed out")
	})
}

func TestTool_PageCount(t *testing.T) {
	ctx := context.Background()

	t.Run("should parse the last integer line", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(context.Context, string, []string) ([]byte, error) {
			return []byte("   **** Warning: xref table damaged\n 42\n"), nil
		}}
		n, err := ghostscript.NewTool("gs", exec, settings).PageCount(ctx, `/data/my (1).pdf`)
		require.NoError(t, err)
		require.Equal(t, 42, n)
		require.Equal(t, `(/data/my \(1\).pdf) (r) file runpdfbegin pdfpagecount = quit`, exec.calls[0].args[4])
	})

	t.Run("should fail without a number", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(context.Context, string, []string) ([]byte, error) {
			return []byte("Error: /undefined"), nil
		}}
		_, err := ghostscript.NewTool("gs", exec, settings).PageCount(ctx, "/x.pdf")
		require.Error(t, err)
	})
}

func TestTool_Render(t *testing.T) {
	exec := &fakeExecutor{respond: func(context.Context, string, []string) ([]byte, error) { return nil, nil }}
	tool := ghostscript.NewTool("gs", exec, settings)

	require.NoError(t, tool.Render(context.Background(), "/src.pdf", 3, 150, "/pages/page_3.png"))

	args := exec.calls[0].args
	require.Contains(t, args, "-r150")
	require.Contains(t, args, "-dFirstPage=3")
	require.Contains(t, args, "-dLastPage=3")
	require.Contains(t, args, "-sDEVICE=png16m")
	require.Contains(t, args, "-sOutputFile=/pages/page_3.png")
	require.Equal(t, "/src.pdf", args[len(args)-1])
}
