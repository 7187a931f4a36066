package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"flipbook/internal/models"
	"flipbook/internal/pdf"
)

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	limit := int64(s.cfg.MaxUploadMB) << 20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d MB", s.cfg.MaxUploadMB)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .pdf uploads are accepted"})
		return
	}
	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(file.Filename), filepath.Ext(file.Filename))
	}

	tmp, size, err := s.receive(file)
	if err != nil {
		fail(c, op, err)
		return
	}
	if err := pdf.ValidateFile(tmp); err != nil {
		os.Remove(tmp)
		s.log.Info().Err(err).Str("filename", file.Filename).Msg("upload rejected")
		fail(c, op, err)
		return
	}

	ctx := c.Request.Context()
	m := &models.Magazine{Title: title, FileSize: size, ProcessingStatus: models.StatusPending}
	if err := s.db.CreateMagazine(ctx, m); err != nil {
		os.Remove(tmp)
		fail(c, op, err)
		return
	}

	staged := s.layout.StagingPath(m.ID)
	if err := os.Rename(tmp, staged); err != nil {
		os.Remove(tmp)
		s.discard(ctx, m)
		fail(c, op, err)
		return
	}
	if err := s.db.SetFilePath(ctx, m.ID, staged); err != nil {
		os.Remove(staged)
		s.discard(ctx, m)
		fail(c, op, err)
		return
	}
	m.OriginalFilePath = &staged

	job := models.Job{MagazineID: m.ID, FilePath: staged, Reason: models.ReasonUpload, EnqueuedAt: time.Now()}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The record is pending with a placed file, so the stale sweep
		// picks it up later.
		s.log.Error().Err(err).Str("magazine_id", m.ID.String()).Msg("enqueue upload")
	}

	c.JSON(http.StatusAccepted, m)
}

// receive copies the upload into a temp file inside the staging dir so the
// later rename stays on one filesystem.
func (s *Server) receive(file *multipart.FileHeader) (string, int64, error) {
	dir := s.layout.StagingDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	src, err := file.Open()
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	dst, err := os.CreateTemp(dir, "upload-*.tmp")
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", 0, err
	}
	return dst.Name(), size, nil
}

func (s *Server) discard(ctx context.Context, m *models.Magazine) {
	if err := s.db.DeleteMagazine(context.WithoutCancel(ctx), m.ID); err != nil {
		s.log.Error().Err(err).Str("magazine_id", m.ID.String()).Msg("discard magazine after failed upload")
	}
}

func (s *Server) handleGetMagazine(c *gin.Context) {
	const op = "server.handleGetMagazine"
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := s.db.GetMagazine(c.Request.Context(), id)
	if err != nil {
		fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleListPages(c *gin.Context) {
	const op = "server.handleListPages"
	id, ok := parseID(c)
	if !ok {
		return
	}
	m, err := s.db.GetMagazine(c.Request.Context(), id)
	if err != nil {
		fail(c, op, err)
		return
	}
	pages, err := s.db.ListPages(c.Request.Context(), id)
	if err != nil {
		fail(c, op, err)
		return
	}
	if pages == nil {
		pages = []*models.Page{}
	}
	c.JSON(http.StatusOK, gin.H{
		"magazine_id":         m.ID,
		"processing_status":   m.ProcessingStatus,
		"processing_progress": m.ProcessingProgress,
		"total_pages":         m.TotalPages,
		"pages":               pages,
	})
}

func (s *Server) handleDeleteMagazine(c *gin.Context) {
	const op = "server.handleDeleteMagazine"
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	m, err := s.db.GetMagazine(ctx, id)
	if err != nil {
		fail(c, op, err)
		return
	}
	if m.ProcessingStatus == models.StatusProcessing {
		c.JSON(http.StatusConflict, gin.H{"error": "magazine is being processed"})
		return
	}

	if err := s.db.DeleteMagazine(ctx, id); err != nil {
		fail(c, op, err)
		return
	}
	for _, path := range []string{s.layout.MagazineDir(id), s.layout.StagingPath(id)} {
		if err := os.RemoveAll(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("remove magazine files")
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReprocess(c *gin.Context) {
	const op = "server.handleReprocess"
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := s.recovery.Reprocess(c.Request.Context(), id)
	if err != nil {
		fail(c, op, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleRecovery(c *gin.Context) {
	const op = "server.handleRecovery"
	report, err := s.recovery.Run(c.Request.Context(), c.Param("operation"))
	if err != nil {
		fail(c, op, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
