package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/superset-importer/pkg/apperrors"
	"github.com/ekaya-inc/superset-importer/pkg/audit"
	"github.com/ekaya-inc/superset-importer/pkg/auth"
	"github.com/ekaya-inc/superset-importer/pkg/catalog"
	"github.com/ekaya-inc/superset-importer/pkg/models"
	"github.com/ekaya-inc/superset-importer/pkg/repositories"
	"github.com/ekaya-inc/superset-importer/pkg/superset"
	"github.com/ekaya-inc/superset-importer/pkg/testhelpers"
)

type importFixture struct {
	superset *testhelpers.FakeSuperset
	catalog  *testhelpers.FakeCatalog
	client   *superset.Client
	svc      ImportService
	lock     ImportLock
	logs     *observer.ObservedLogs
}

func defaultImportConfig(t *testing.T) ImportConfig {
	return ImportConfig{MaxNameAttempts: 100, RollbackOnFailure: true, TempDir: t.TempDir()}
}

func newImportFixture(t *testing.T, cfg ImportConfig, ledger repositories.ImportLedger) *importFixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	fs := testhelpers.NewFakeSuperset(t)
	fs.Charts["7"] = map[string]any{"id": 7, "slice_name": "Sales"}
	fs.CSV["chart/7"] = "region,total\nnorth,10\n"

	fc := testhelpers.NewFakeCatalog(t)

	lock := NewImportLock(nil, 0, logger)
	svc := NewImportService(
		catalog.NewClient(fc.URL(), testhelpers.FakeCatalogToken, 5*time.Second, logger),
		ledger,
		lock,
		audit.NewSecurityAuditor(logger),
		cfg,
		logger,
	)

	return &importFixture{
		superset: fs,
		catalog:  fc,
		client:   superset.NewClient(superset.Config{URL: fs.URL(), Timeout: 5 * time.Second}, logger),
		svc:      svc,
		lock:     lock,
		logs:     logs,
	}
}

func (f *importFixture) chart(t *testing.T, id string) *superset.Resource {
	t.Helper()
	res, err := f.client.GetChart(context.Background(), id)
	require.NoError(t, err)
	return res
}

func sysadminCtx() context.Context {
	claims := &auth.Claims{}
	claims.Subject = "ada"
	ctx := context.WithValue(context.Background(), auth.ClaimsKey, claims)
	ctx = context.WithValue(ctx, auth.ClientIPKey, "10.0.0.1")
	return context.WithValue(ctx, auth.UserKey, &catalog.User{ID: "user-ada", Name: "ada", Sysadmin: true})
}

func salesRequest() ImportRequest {
	return ImportRequest{
		Title:        "Sales",
		Notes:        "Monthly sales",
		OwnerOrg:     "org1",
		GroupIDs:     []string{"g1"},
		Tags:         []string{"finance"},
		ResourceName: "Sales data",
	}
}

func linkedPackage(name, sourceID string, resources ...*testhelpers.FakeResource) testhelpers.FakePackage {
	return testhelpers.FakePackage{
		Name:      name,
		Title:     name,
		OwnerOrg:  "org1",
		Extras:    []map[string]string{{"key": "superset_chart_id", "value": sourceID}},
		Resources: resources,
	}
}

// memLedger is an in-memory ImportLedger.
type memLedger struct {
	mu      sync.Mutex
	rows    map[string]*models.ImportRecord
	touched []uuid.UUID
	deleted []uuid.UUID
}

func newMemLedger() *memLedger {
	return &memLedger{rows: map[string]*models.ImportRecord{}}
}

func (l *memLedger) Get(_ context.Context, kind, sourceID string) (*models.ImportRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.rows[kind+"/"+sourceID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (l *memLedger) Create(_ context.Context, rec *models.ImportRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := rec.SourceKind + "/" + rec.SourceID
	if _, ok := l.rows[key]; ok {
		return apperrors.ErrConflict
	}
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	l.rows[key] = &cp
	return nil
}

func (l *memLedger) Touch(_ context.Context, id uuid.UUID, resourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.rows {
		if rec.ID == id {
			rec.ResourceID = resourceID
			rec.UpdatedAt = time.Now()
			l.touched = append(l.touched, id)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (l *memLedger) Delete(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, rec := range l.rows {
		if rec.ID == id {
			delete(l.rows, key)
			l.deleted = append(l.deleted, id)
		}
	}
	return nil
}

var _ repositories.ImportLedger = (*memLedger)(nil)
