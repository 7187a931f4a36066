package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"flipbook/internal/models"
	"flipbook/internal/pathresolver"
)

// Layout maps magazines onto the storage root:
//
//	<root>/staging/<id>.pdf                      upload placed, not yet rendered
//	<root>/flipbooks/<id>/<slug>.pdf             final source
//	<root>/flipbooks/<id>/pages/page_<N>.png     full image
//	<root>/flipbooks/<id>/pages/page_<N>_thumb.png
//	<root>/flipbooks/<id>/.work/optimized.pdf    scratch, removed after success
type Layout struct {
	Root      string
	URLPrefix string
}

func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root), URLPrefix: "/files"}
}

func (l Layout) StagingDir() string {
	return filepath.Join(l.Root, "staging")
}

func (l Layout) StagingPath(id uuid.UUID) string {
	return filepath.Join(l.StagingDir(), id.String()+".pdf")
}

func (l Layout) MagazineDir(id uuid.UUID) string {
	return filepath.Join(l.Root, pathresolver.LayoutMarker, id.String())
}

func (l Layout) FinalPath(m *models.Magazine) string {
	name := m.Slug
	if name == "" {
		name = m.ID.String()
	}
	return filepath.Join(l.MagazineDir(m.ID), name+".pdf")
}

func (l Layout) WorkPath(id uuid.UUID) string {
	return filepath.Join(l.MagazineDir(id), ".work", "optimized.pdf")
}

// PagesDir is the pages directory next to a source document.
func (l Layout) PagesDir(source string) string {
	return filepath.Join(filepath.Dir(source), "pages")
}

func (l Layout) PagePaths(pagesDir string, page int) (image, thumb string) {
	return filepath.Join(pagesDir, fmt.Sprintf("page_%d.png", page)),
		filepath.Join(pagesDir, fmt.Sprintf("page_%d_thumb.png", page))
}

// URL strips the storage root from path. Paths outside the root are
// returned slash-separated but otherwise untouched.
func (l Layout) URL(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return strings.TrimRight(l.URLPrefix, "/") + "/" + filepath.ToSlash(rel)
}
