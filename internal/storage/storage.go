// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"flipbook/internal/models"
)

var tracer = otel.Tracer("flipbook-storage")

type Storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn, migrationsDir string, log zerolog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	if err := runMigrations(dsn, migrationsDir, log); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

const magazineColumns = `id, title, slug, original_file_path, file_size, total_pages,
	processing_status, processing_progress, processing_error, created_at, updated_at`

func scanMagazine(row pgx.Row) (*models.Magazine, error) {
	var m models.Magazine
	err := row.Scan(&m.ID, &m.Title, &m.Slug, &m.OriginalFilePath, &m.FileSize, &m.TotalPages,
		&m.ProcessingStatus, &m.ProcessingProgress, &m.ProcessingError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Storage) CreateMagazine(ctx context.Context, m *models.Magazine) error {
	const op = "storage.CreateMagazine"

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ProcessingStatus == "" {
		m.ProcessingStatus = models.StatusPending
	}
	taken := func(candidate string) (bool, error) {
		var exists bool
		err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM magazines WHERE slug = $1)`, candidate).Scan(&exists)
		return exists, err
	}

	// Two uploads with the same title can pick the same free slug; the
	// loser of the insert race picks again.
	var err error
	for attempt := 1; ; attempt++ {
		m.Slug, err = MakeSlug(m.Title, taken)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		err = s.pool.QueryRow(ctx,
			`INSERT INTO magazines (id, title, slug, original_file_path, file_size, processing_status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at`,
			m.ID, m.Title, m.Slug, m.OriginalFilePath, m.FileSize, m.ProcessingStatus).Scan(&m.CreatedAt, &m.UpdatedAt)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err, slugConstraint) || attempt == maxSlugAttempts {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

const (
	slugConstraint  = "magazines_slug_key"
	maxSlugAttempts = 5

	uniqueViolation = "23505"
)

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func (s *Storage) GetMagazine(ctx context.Context, id uuid.UUID) (*models.Magazine, error) {
	const op = "storage.GetMagazine"

	m, err := scanMagazine(s.pool.QueryRow(ctx, `SELECT `+magazineColumns+` FROM magazines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

func (s *Storage) ListMagazines(ctx context.Context, filter models.MagazineFilter) ([]*models.Magazine, error) {
	const op = "storage.ListMagazines"

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("processing_status = $%d", len(args)))
	}
	if filter.ZeroPages {
		where = append(where, "total_pages = 0")
	}
	if filter.HasFile {
		where = append(where, "original_file_path IS NOT NULL AND original_file_path <> ''")
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	query := `SELECT ` + magazineColumns + ` FROM magazines`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.Magazine
	for rows.Next() {
		m, err := scanMagazine(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) DeleteMagazine(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeleteMagazine"
	tag, err := s.pool.Exec(ctx, `DELETE FROM magazines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

// exec runs a single-row magazine update and maps "no row" to ErrNotFound.
func (s *Storage) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

func (s *Storage) SetFilePath(ctx context.Context, id uuid.UUID, path string) error {
	return s.exec(ctx, "storage.SetFilePath",
		`UPDATE magazines SET original_file_path = $2, updated_at = NOW() WHERE id = $1`, id, path)
}

func (s *Storage) SetFileSize(ctx context.Context, id uuid.UUID, size int64) error {
	return s.exec(ctx, "storage.SetFileSize",
		`UPDATE magazines SET file_size = $2, updated_at = NOW() WHERE id = $1`, id, size)
}

func (s *Storage) StartRun(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "storage.StartRun",
		`UPDATE magazines SET processing_status = $2, processing_progress = 0, processing_error = NULL, updated_at = NOW()
		WHERE id = $1`, id, models.StatusProcessing)
}

func (s *Storage) SetTotalPages(ctx context.Context, id uuid.UUID, total int) error {
	return s.exec(ctx, "storage.SetTotalPages",
		`UPDATE magazines SET total_pages = $2, updated_at = NOW() WHERE id = $1`, id, total)
}

func (s *Storage) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return s.exec(ctx, "storage.SetProgress",
		`UPDATE magazines SET processing_progress = $2, updated_at = NOW() WHERE id = $1`, id, progress)
}

func (s *Storage) CompleteRun(ctx context.Context, id uuid.UUID, path string, totalPages int) error {
	return s.exec(ctx, "storage.CompleteRun",
		`UPDATE magazines SET processing_status = $2, processing_progress = 100, processing_error = NULL,
		original_file_path = $3, total_pages = $4, updated_at = NOW()
		WHERE id = $1 AND $4 > 0`, id, models.StatusCompleted, path, totalPages)
}

func (s *Storage) FailRun(ctx context.Context, id uuid.UUID, message string) error {
	return s.exec(ctx, "storage.FailRun",
		`UPDATE magazines SET processing_status = $2, processing_error = $3, updated_at = NOW() WHERE id = $1`,
		id, models.StatusFailed, message)
}

// DeletePages removes every page row of a magazine in one transaction.
func (s *Storage) DeletePages(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeletePages"
	ctx, span := tracer.Start(ctx, "postgres.delete_pages", trace.WithAttributes(attribute.String("magazine_id", id.String())))
	defer span.End()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM pages WHERE magazine_id = $1`, id)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int64("deleted", tag.RowsAffected()))
		_, err = tx.Exec(ctx, `UPDATE magazines SET updated_at = NOW() WHERE id = $1`, id)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SavePage(ctx context.Context, p *models.Page) error {
	const op = "storage.SavePage"
	if p.ProcessingStatus == "" {
		p.ProcessingStatus = models.StatusCompleted
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pages (magazine_id, page_number, image_path, image_url, thumbnail_path, thumbnail_url, width, height, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (magazine_id, page_number) DO UPDATE SET
			image_path = EXCLUDED.image_path,
			image_url = EXCLUDED.image_url,
			thumbnail_path = EXCLUDED.thumbnail_path,
			thumbnail_url = EXCLUDED.thumbnail_url,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			processing_status = EXCLUDED.processing_status`,
		p.MagazineID, p.PageNumber, p.ImagePath, p.ImageURL, p.ThumbnailPath, p.ThumbnailURL, p.Width, p.Height, p.ProcessingStatus)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) ListPages(ctx context.Context, id uuid.UUID) ([]*models.Page, error) {
	const op = "storage.ListPages"
	rows, err := s.pool.Query(ctx,
		`SELECT magazine_id, page_number, image_path, image_url, thumbnail_path, thumbnail_url, width, height, processing_status, created_at
		FROM pages WHERE magazine_id = $1 ORDER BY page_number`, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	pages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Page, error) {
		var p models.Page
		err := row.Scan(&p.MagazineID, &p.PageNumber, &p.ImagePath, &p.ImageURL, &p.ThumbnailPath, &p.ThumbnailURL,
			&p.Width, &p.Height, &p.ProcessingStatus, &p.CreatedAt)
		return &p, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pages, nil
}

func (s *Storage) CountPages(ctx context.Context, id uuid.UUID) (int, error) {
	const op = "storage.CountPages"
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pages WHERE magazine_id = $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
