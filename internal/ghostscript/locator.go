package ghostscript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flipbook/internal/models"
)

// Strategy yields candidate executables in priority order.
type Strategy interface {
	Name() string
	Candidates() []string
}

// EnvStrategy reads an explicit path from an environment variable.
type EnvStrategy struct {
	Var string
}

func (s EnvStrategy) Name() string { return "env:" + s.Var }

func (s EnvStrategy) Candidates() []string {
	if v := strings.TrimSpace(os.Getenv(s.Var)); v != "" {
		return []string{v}
	}
	return nil
}

// PathStrategy looks the names up on PATH.
type PathStrategy struct {
	Names []string
}

func (s PathStrategy) Name() string { return "path" }

func (s PathStrategy) Candidates() []string {
	var out []string
	for _, name := range s.Names {
		if p, err := exec.LookPath(name); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// FixedStrategy returns well-known install locations verbatim.
type FixedStrategy struct {
	Paths []string
}

func (s FixedStrategy) Name() string { return "fixed" }

func (s FixedStrategy) Candidates() []string { return s.Paths }

// GlobStrategy expands patterns such as versioned Windows install dirs,
// lexically last match first.
type GlobStrategy struct {
	Patterns []string
}

func (s GlobStrategy) Name() string { return "glob" }

func (s GlobStrategy) Candidates() []string {
	var out []string
	for _, pattern := range s.Patterns {
		matches, err := filepath.Glob(filepath.FromSlash(pattern))
		if err != nil {
			continue
		}
		for i := len(matches) - 1; i >= 0; i-- {
			out = append(out, matches[i])
		}
	}
	return out
}

// StrategiesFromConfig builds the probe order: env override, PATH, fixed
// install paths, globs.
func StrategiesFromConfig(cfg models.GhostscriptConfig) []Strategy {
	return []Strategy{
		EnvStrategy{Var: cfg.EnvOverride},
		PathStrategy{Names: cfg.Names},
		FixedStrategy{Paths: cfg.InstallPaths},
		GlobStrategy{Patterns: cfg.InstallGlobs},
	}
}

type Locator struct {
	strategies   []Strategy
	exec         Executor
	probeTimeout time.Duration
	settings     Settings
	log          zerolog.Logger
}

func NewLocator(strategies []Strategy, exec Executor, probeTimeout time.Duration, settings Settings, log zerolog.Logger) *Locator {
	return &Locator{
		strategies:   strategies,
		exec:         exec,
		probeTimeout: probeTimeout,
		settings:     settings,
		log:          log.With().Str("component", "tool_locator").Logger(),
	}
}

// Locate probes every candidate with --version and returns the first one
// that exits cleanly. Nothing is cached between calls.
func (l *Locator) Locate(ctx context.Context) (*Tool, error) {
	seen := make(map[string]struct{})
	var probeErrs []error
	for _, strategy := range l.strategies {
		for _, candidate := range strategy.Candidates() {
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}

			version, err := l.probe(ctx, candidate)
			if err != nil {
				l.log.Debug().Err(err).Str("strategy", strategy.Name()).Str("candidate", candidate).Msg("candidate rejected")
				probeErrs = append(probeErrs, fmt.Errorf("%s: %w", candidate, err))
				continue
			}
			l.log.Info().Str("strategy", strategy.Name()).Str("path", candidate).Str("version", version).Msg("ghostscript located")
			return &Tool{Path: candidate, Version: version, exec: l.exec, settings: l.settings}, nil
		}
	}
	return nil, models.NewError(models.KindToolNotFound,
		fmt.Sprintf("no working ghostscript among %d candidates", len(seen)), errors.Join(probeErrs...))
}

func (l *Locator) probe(ctx context.Context, candidate string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()
	out, err := l.exec.Run(ctx, candidate, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
