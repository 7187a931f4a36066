// Package pathresolver finds stored source documents whose recorded path
// drifted (moved deployment root, foreign separators, reorganized storage)
// and writes the corrected path back.
package pathresolver

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flipbook/internal/models"
)

// LayoutMarker is the directory segment under which magazine files live;
// the part of a stale path after it is tried under each alternate root.
const LayoutMarker = "flipbooks"

// PathStore persists a corrected path.
type PathStore interface {
	SetFilePath(ctx context.Context, id uuid.UUID, path string) error
}

type Resolver struct {
	roots []string
	store PathStore
	log   zerolog.Logger
}

func New(roots []string, store PathStore, log zerolog.Logger) *Resolver {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if r = strings.TrimSpace(r); r != "" {
			clean = append(clean, filepath.Clean(normalize(r)))
		}
	}
	return &Resolver{roots: clean, store: store, log: log.With().Str("component", "path_resolver").Logger()}
}

// normalize turns either separator style into the host's.
func normalize(p string) string {
	return filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
}

// Candidates lists the locations probed for stored, in order.
func (r *Resolver) Candidates(stored string) []string {
	slashed := strings.ReplaceAll(stored, `\`, "/")
	out := []string{filepath.Clean(normalize(stored))}

	base := path.Base(slashed)
	var tail string
	if i := strings.LastIndex(slashed, "/"+LayoutMarker+"/"); i >= 0 {
		tail = slashed[i+len(LayoutMarker)+2:]
	}
	for _, root := range r.roots {
		if tail != "" && tail != base {
			out = append(out, filepath.Join(root, filepath.FromSlash(tail)))
			out = append(out, filepath.Join(root, LayoutMarker, filepath.FromSlash(tail)))
		}
		out = append(out, filepath.Join(root, base))
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Resolve returns the first candidate that exists as a regular file.
func (r *Resolver) Resolve(stored string) (string, error) {
	if strings.TrimSpace(stored) == "" {
		return "", models.NewError(models.KindFileNotFound, "no stored path", nil)
	}
	for _, candidate := range r.Candidates(stored) {
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}
	}
	return "", models.NewError(models.KindFileNotFound, stored, nil)
}

// Heal resolves the magazine's stored path and persists the result when it
// differs. changed reports whether a write happened.
func (r *Resolver) Heal(ctx context.Context, m *models.Magazine) (resolved string, changed bool, err error) {
	const op = "pathresolver.Heal"

	stored := m.FilePath()
	resolved, err = r.Resolve(stored)
	if err != nil {
		return "", false, err
	}
	if resolved == stored {
		return resolved, false, nil
	}
	if err := r.store.SetFilePath(ctx, m.ID, resolved); err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	r.log.Info().Str("magazine_id", m.ID.String()).Str("from", stored).Str("to", resolved).Msg("stored path corrected")
	m.OriginalFilePath = &resolved
	return resolved, true, nil
}
