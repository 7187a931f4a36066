// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

type Magazine struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	Title              string           `db:"title" json:"title"`
	Slug               string           `db:"slug" json:"slug"`
	OriginalFilePath   *string          `db:"original_file_path" json:"original_file_path,omitempty"`
	FileSize           int64            `db:"file_size" json:"file_size"`
	TotalPages         int              `db:"total_pages" json:"total_pages"`
	ProcessingStatus   ProcessingStatus `db:"processing_status" json:"processing_status"`
	ProcessingProgress int              `db:"processing_progress" json:"processing_progress"`
	ProcessingError    *string          `db:"processing_error" json:"processing_error,omitempty"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// FilePath returns the stored source path or "" when the upload was never placed.
func (m *Magazine) FilePath() string {
	if m.OriginalFilePath == nil {
		return ""
	}
	return *m.OriginalFilePath
}

type Page struct {
	MagazineID       uuid.UUID        `db:"magazine_id" json:"magazine_id"`
	PageNumber       int              `db:"page_number" json:"page_number"`
	ImagePath        string           `db:"image_path" json:"-"`
	ImageURL         string           `db:"image_url" json:"image_url"`
	ThumbnailPath    string           `db:"thumbnail_path" json:"-"`
	ThumbnailURL     string           `db:"thumbnail_url" json:"thumbnail_url"`
	Width            int              `db:"width" json:"width"`
	Height           int              `db:"height" json:"height"`
	ProcessingStatus ProcessingStatus `db:"processing_status" json:"processing_status"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}

// Job is the queue message that triggers one run for one magazine.
type Job struct {
	MagazineID uuid.UUID `json:"magazine_id"`
	FilePath   string    `json:"file_path,omitempty"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

const (
	ReasonUpload    = "upload"
	ReasonReprocess = "reprocess"
	ReasonSweep     = "sweep"
)

// MagazineFilter narrows ListMagazines. Zero fields do not filter.
type MagazineFilter struct {
	Status        ProcessingStatus
	ZeroPages     bool
	HasFile       bool
	UpdatedBefore time.Time
}

func (f MagazineFilter) Match(m *Magazine) bool {
	if f.Status != "" && m.ProcessingStatus != f.Status {
		return false
	}
	if f.ZeroPages && m.TotalPages != 0 {
		return false
	}
	if f.HasFile && m.FilePath() == "" {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !m.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
