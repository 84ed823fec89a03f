package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/superset-importer/pkg/apperrors"
	"github.com/ekaya-inc/superset-importer/pkg/database"
	"github.com/ekaya-inc/superset-importer/pkg/models"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// ImportLedger defines the interface for import ledger data access.
type ImportLedger interface {
	// Get returns the import of a source object (nil if never imported).
	Get(ctx context.Context, kind, sourceID string) (*models.ImportRecord, error)

	// Create records a new import. Returns apperrors.ErrConflict when the
	// source already has one.
	Create(ctx context.Context, rec *models.ImportRecord) error

	// Touch updates updated_at (and the resource id) after a re-import.
	Touch(ctx context.Context, id uuid.UUID, resourceID string) error

	// Delete removes a record, e.g. when its package was rolled back.
	Delete(ctx context.Context, id uuid.UUID) error
}

// importLedger implements ImportLedger using PostgreSQL.
type importLedger struct {
	db *database.DB
}

// NewImportLedger creates a new import ledger repository.
func NewImportLedger(db *database.DB) ImportLedger {
	return &importLedger{db: db}
}

// Get returns the import of a source object (nil if never imported).
func (r *importLedger) Get(ctx context.Context, kind, sourceID string) (*models.ImportRecord, error) {
	query := `
		SELECT id, source_kind, source_id, package_id, package_name, resource_id,
		       created_by, created_at, updated_at
		FROM superset_imports
		WHERE source_kind = $1 AND source_id = $2`

	var rec models.ImportRecord
	err := r.db.QueryRow(ctx, query, kind, sourceID).Scan(
		&rec.ID, &rec.SourceKind, &rec.SourceID, &rec.PackageID, &rec.PackageName,
		&rec.ResourceID, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get import record: %w", err)
	}

	return &rec, nil
}

// Create records a new import.
func (r *importLedger) Create(ctx context.Context, rec *models.ImportRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	query := `
		INSERT INTO superset_imports
			(id, source_kind, source_id, package_id, package_name, resource_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.SourceKind, rec.SourceID, rec.PackageID, rec.PackageName,
		rec.ResourceID, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s %s already imported: %w", rec.SourceKind, rec.SourceID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create import record: %w", err)
	}

	return nil
}

// Touch updates updated_at (and the resource id) after a re-import.
func (r *importLedger) Touch(ctx context.Context, id uuid.UUID, resourceID string) error {
	query := `
		UPDATE superset_imports
		SET resource_id = $2, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, resourceID)
	if err != nil {
		return fmt.Errorf("failed to touch import record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("import record %s: %w", id, apperrors.ErrNotFound)
	}

	return nil
}

// Delete removes a record.
func (r *importLedger) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM superset_imports WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete import record: %w", err)
	}
	return nil
}
