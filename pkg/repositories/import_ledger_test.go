//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/superset-importer/pkg/apperrors"
	"github.com/ekaya-inc/superset-importer/pkg/models"
	"github.com/ekaya-inc/superset-importer/pkg/testhelpers"
)

// ledgerTestContext holds test dependencies for import ledger tests.
type ledgerTestContext struct {
	t      *testing.T
	ledger ImportLedger
	db     *testhelpers.LedgerDB
}

func setupLedgerTest(t *testing.T) *ledgerTestContext {
	db := testhelpers.GetLedgerDB(t)
	tc := &ledgerTestContext{t: t, ledger: NewImportLedger(db.DB), db: db}
	tc.cleanup()
	t.Cleanup(tc.cleanup)
	return tc
}

// cleanup removes test rows from superset_imports.
func (tc *ledgerTestContext) cleanup() {
	tc.t.Helper()
	_, err := tc.db.DB.Exec(context.Background(), "DELETE FROM superset_imports WHERE source_id LIKE 'test-%'")
	require.NoError(tc.t, err)
}

func TestImportLedger_CreateAndGet(t *testing.T) {
	tc := setupLedgerTest(t)
	ctx := context.Background()

	rec := &models.ImportRecord{
		SourceKind:  "chart",
		SourceID:    "test-7",
		PackageID:   "pkg-1",
		PackageName: "sales",
		ResourceID:  "res-1",
		CreatedBy:   "admin",
	}
	require.NoError(t, tc.ledger.Create(ctx, rec))
	assert.NotEqual(t, uuid.Nil, rec.ID)

	got, err := tc.ledger.Get(ctx, "chart", "test-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sales", got.PackageName)
	assert.Equal(t, "res-1", got.ResourceID)

	missing, err := tc.ledger.Get(ctx, "dataset", "test-7")
	require.NoError(t, err)
	assert.Nil(t, missing, "kinds are separate namespaces")
}

func TestImportLedger_DuplicateSourceIsConflict(t *testing.T) {
	tc := setupLedgerTest(t)
	ctx := context.Background()

	first := &models.ImportRecord{SourceKind: "chart", SourceID: "test-8", PackageID: "p1", PackageName: "a"}
	require.NoError(t, tc.ledger.Create(ctx, first))

	second := &models.ImportRecord{SourceKind: "chart", SourceID: "test-8", PackageID: "p2", PackageName: "b"}
	err := tc.ledger.Create(ctx, second)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestImportLedger_TouchAndDelete(t *testing.T) {
	tc := setupLedgerTest(t)
	ctx := context.Background()

	rec := &models.ImportRecord{SourceKind: "dataset", SourceID: "test-9", PackageID: "p1", PackageName: "a", ResourceID: "r1"}
	require.NoError(t, tc.ledger.Create(ctx, rec))

	require.NoError(t, tc.ledger.Touch(ctx, rec.ID, "r2"))
	got, err := tc.ledger.Get(ctx, "dataset", "test-9")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.ResourceID)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	require.NoError(t, tc.ledger.Delete(ctx, rec.ID))
	got, err = tc.ledger.Get(ctx, "dataset", "test-9")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = tc.ledger.Touch(ctx, rec.ID, "r3")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
