package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/apperrors"
	"github.com/ekaya-inc/superset-importer/pkg/audit"
	"github.com/ekaya-inc/superset-importer/pkg/auth"
	"github.com/ekaya-inc/superset-importer/pkg/catalog"
	"github.com/ekaya-inc/superset-importer/pkg/config"
	"github.com/ekaya-inc/superset-importer/pkg/models"
	"github.com/ekaya-inc/superset-importer/pkg/repositories"
	"github.com/ekaya-inc/superset-importer/pkg/slug"
	"github.com/ekaya-inc/superset-importer/pkg/superset"
)

// rollbackTimeout bounds the compensating delete, which runs even when the
// request context is already done.
const rollbackTimeout = 30 * time.Second

// ImportConfig tunes the import orchestrator.
type ImportConfig struct {
	// MaxNameAttempts bounds the package-name probe.
	MaxNameAttempts int
	// RollbackOnFailure deletes a package whose file upload or group setup failed.
	RollbackOnFailure bool
	// TempDir stages CSV exports; empty means os.TempDir().
	TempDir string
}

// ImportConfigFrom maps the import section of the service configuration.
func ImportConfigFrom(cfg *config.ImportConfig) ImportConfig {
	return ImportConfig{
		MaxNameAttempts:   cfg.MaxNameAttempts,
		RollbackOnFailure: cfg.RollbackOnFailure,
		TempDir:           cfg.TempDir,
	}
}

// ImportResult describes the package an import created or refreshed.
type ImportResult struct {
	Package  *catalog.Package
	Resource *catalog.Resource
	// Record is the ledger row; nil when the ledger is disabled.
	Record *models.ImportRecord
}

// ImportForm is the context for the import form of one source object.
type ImportForm struct {
	Source        *superset.Resource `json:"source"`
	Kind          superset.Kind      `json:"kind"`
	Groups        []catalog.Group    `json:"groups"`
	Organizations []catalog.Group    `json:"organizations"`
	Linked        *catalog.Package   `json:"linked,omitempty"`
}

// ImportService turns Superset charts and datasets into catalog packages.
type ImportService interface {
	// Prepare returns the groups, organizations and existing link for the form.
	Prepare(ctx context.Context, source *superset.Resource) (*ImportForm, error)

	// Create makes a new package holding the source's CSV export.
	Create(ctx context.Context, source *superset.Resource, req ImportRequest) (*ImportResult, error)

	// Update replaces the CSV of the package previously imported from source.
	Update(ctx context.Context, source *superset.Resource) (*ImportResult, error)

	// Finder resolves import links for display.
	Finder() superset.PackageFinder
}

type importService struct {
	catalog catalog.Actions
	ledger  repositories.ImportLedger
	lock    ImportLock
	finder  superset.PackageFinder
	auditor *audit.SecurityAuditor
	cfg     ImportConfig
	logger  *zap.Logger
}

// NewImportService creates the import orchestrator. ledger may be nil.
func NewImportService(
	cat catalog.Actions,
	ledger repositories.ImportLedger,
	lock ImportLock,
	auditor *audit.SecurityAuditor,
	cfg ImportConfig,
	logger *zap.Logger,
) ImportService {
	if cfg.MaxNameAttempts < 1 {
		cfg.MaxNameAttempts = 1
	}
	return &importService{
		catalog: cat,
		ledger:  ledger,
		lock:    lock,
		finder:  NewPackageFinder(cat, ledger, logger),
		auditor: auditor,
		cfg:     cfg,
		logger:  logger.Named("importer"),
	}
}

func (s *importService) Finder() superset.PackageFinder {
	return s.finder
}

func (s *importService) Prepare(ctx context.Context, source *superset.Resource) (*ImportForm, error) {
	groups, err := s.catalog.GroupListAuthz(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	orgs, err := s.catalog.OrganizationListForUser(ctx, auth.GetUserIDFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	linked, err := source.ImportedRecord(ctx, s.finder)
	if err != nil {
		return nil, fmt.Errorf("resolve imported package: %w", err)
	}
	return &ImportForm{
		Source:        source,
		Kind:          source.Kind(),
		Groups:        groups,
		Organizations: orgs,
		Linked:        linked,
	}, nil
}

func lockKey(source *superset.Resource) string {
	return string(source.Kind()) + ":" + source.ID
}

func (s *importService) Create(ctx context.Context, source *superset.Resource, req ImportRequest) (*ImportResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	groups, err := s.catalog.GroupListAuthz(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if err := checkGroups(req.GroupIDs, groups); err != nil {
		return nil, err
	}
	base := slug.Make(req.Title)
	if base == "" {
		return nil, fmt.Errorf("%w: ckan_dataset_title has no letters or digits", apperrors.ErrInvalidInput)
	}

	release, err := s.lock.Acquire(ctx, lockKey(source))
	if err != nil {
		return nil, err
	}
	defer release()

	linked, err := source.ImportedRecord(ctx, s.finder)
	if err != nil {
		return nil, fmt.Errorf("resolve imported package: %w", err)
	}
	if linked != nil {
		return nil, fmt.Errorf("%w: %s %s is already imported as %q", apperrors.ErrConflict, source.Kind(), source.ID, linked.Name)
	}

	name, err := s.uniqueName(ctx, base, source.ID)
	if err != nil {
		return nil, err
	}

	pkg, err := s.catalog.PackageCreate(ctx, s.newPackage(source, req, name))
	if err != nil {
		return nil, fmt.Errorf("create package %s: %w", name, err)
	}
	s.logger.Info("Package created for import",
		zap.String("kind", string(source.Kind())),
		zap.String("source_id", source.ID),
		zap.String("package", pkg.Name))

	result, err := s.populate(ctx, source, pkg, req)
	if err != nil {
		return nil, s.rollback(ctx, source, pkg, err)
	}

	s.auditor.LogImportCreated(ctx, details(source, result), auth.GetClientIP(ctx))
	return result, nil
}

func (s *importService) newPackage(source *superset.Resource, req ImportRequest, name string) catalog.NewPackage {
	np := catalog.NewPackage{
		Name:     name,
		Title:    req.Title,
		Notes:    req.Notes,
		OwnerOrg: req.OwnerOrg,
		Private:  req.Private,
		Extras:   []catalog.Extra{{Key: source.Kind().ExtraKey(), Value: source.ID}},
	}
	for _, id := range req.GroupIDs {
		np.Groups = append(np.Groups, catalog.GroupRef{ID: id})
	}
	for _, tag := range req.Tags {
		np.Tags = append(np.Tags, catalog.Tag{Name: tag})
	}
	return np
}

// populate runs every step after package_create: upload, group membership
// and the ledger row. Any error leaves the package for rollback.
func (s *importService) populate(ctx context.Context, source *superset.Resource, pkg *catalog.Package, req ImportRequest) (*ImportResult, error) {
	data, err := source.CSV(ctx)
	if err != nil {
		return nil, err
	}

	resourceName := req.ResourceName
	if resourceName == "" {
		resourceName = pkg.Name + ".csv"
	}
	res, err := s.upload(ctx, data, catalog.ResourceUpload{
		PackageID: pkg.ID,
		Name:      resourceName,
		Format:    "csv",
		FileName:  resourceFileName(resourceName),
	}, s.catalog.ResourceCreate)
	if err != nil {
		return nil, fmt.Errorf("attach csv to %s: %w", pkg.Name, err)
	}

	for _, groupID := range req.GroupIDs {
		if err := s.catalog.MemberCreate(ctx, groupID, pkg.ID); err != nil {
			return nil, fmt.Errorf("add %s to group %s: %w", pkg.Name, groupID, err)
		}
	}

	result := &ImportResult{Package: pkg, Resource: res}
	if s.ledger != nil {
		rec := &models.ImportRecord{
			ID:          uuid.New(),
			SourceKind:  string(source.Kind()),
			SourceID:    source.ID,
			PackageID:   pkg.ID,
			PackageName: pkg.Name,
			ResourceID:  res.ID,
			CreatedBy:   auth.GetUserNameFromContext(ctx),
		}
		if err := s.ledger.Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("record import: %w", err)
		}
		result.Record = rec
	}
	pkg.Resources = append(pkg.Resources, *res)
	return result, nil
}

// rollback deletes a half-built package. The original failure is returned;
// a failed delete is aggregated with it.
func (s *importService) rollback(ctx context.Context, source *superset.Resource, pkg *catalog.Package, cause error) error {
	d := audit.ImportDetails{
		SourceKind:  string(source.Kind()),
		SourceID:    source.ID,
		PackageID:   pkg.ID,
		PackageName: pkg.Name,
		Error:       cause.Error(),
	}

	if !s.cfg.RollbackOnFailure {
		s.logger.Warn("Import failed; package left in catalog",
			zap.String("package", pkg.Name),
			zap.Error(cause))
		return cause
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := s.catalog.PackageDelete(cleanupCtx, pkg.ID); err != nil {
		s.logger.Error("Rollback failed; orphaned package left in catalog",
			zap.String("package", pkg.Name),
			zap.Error(err))
		s.auditor.LogImportRolledBack(ctx, d, false)
		var result *multierror.Error
		result = multierror.Append(result, cause, fmt.Errorf("rollback package %s: %w", pkg.Name, err))
		return result
	}

	s.logger.Info("Import rolled back", zap.String("package", pkg.Name), zap.Error(cause))
	s.auditor.LogImportRolledBack(ctx, d, true)
	return cause
}

// uniqueName probes base, then base-{sourceID}-2, base-{sourceID}-3, ...
func (s *importService) uniqueName(ctx context.Context, base, sourceID string) (string, error) {
	for attempt := 1; attempt <= s.cfg.MaxNameAttempts; attempt++ {
		candidate := truncateName(base, "")
		if attempt > 1 {
			candidate = truncateName(base, slug.Join(sourceID, strconv.Itoa(attempt)))
		}

		exists, err := s.catalog.PackageExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check package name %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		s.logger.Debug("Package name taken", zap.String("name", candidate))
	}
	return "", fmt.Errorf("%w: no free package name for %q after %d attempts", apperrors.ErrConflict, base, s.cfg.MaxNameAttempts)
}

// truncateName joins base and suffix, shortening base to fit maxNameLength.
func truncateName(base, suffix string) string {
	room := maxNameLength
	if suffix != "" {
		room -= len(suffix) + 1
	}
	if len(base) > room {
		base = strings.TrimRight(base[:room], string(slug.Separator))
	}
	if suffix == "" {
		return base
	}
	return slug.Join(base, suffix)
}

func (s *importService) Update(ctx context.Context, source *superset.Resource) (*ImportResult, error) {
	release, err := s.lock.Acquire(ctx, lockKey(source))
	if err != nil {
		return nil, err
	}
	defer release()

	pkg, err := source.ImportedRecord(ctx, s.finder)
	if err != nil {
		return nil, fmt.Errorf("resolve imported package: %w", err)
	}
	if pkg == nil {
		return nil, fmt.Errorf("%w: no catalog package for %s %s", apperrors.ErrNotFound, source.Kind(), source.ID)
	}
	if n := len(pkg.Resources); n != 1 {
		return nil, fmt.Errorf("%w: package %s has %d resources; expected exactly one", apperrors.ErrInvalidInput, pkg.Name, n)
	}
	existing := pkg.Resources[0]
	fileName := existing.Name
	if fileName == "" {
		fileName = pkg.Name
	}

	data, err := source.CSV(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.upload(ctx, data, catalog.ResourceUpload{
		ID:        existing.ID,
		PackageID: pkg.ID,
		FileName:  resourceFileName(fileName),
	}, s.catalog.ResourcePatch)
	if err != nil {
		return nil, fmt.Errorf("replace csv of %s: %w", pkg.Name, err)
	}

	result := &ImportResult{Package: pkg, Resource: res}
	if s.ledger != nil {
		rec, err := s.ledger.Get(ctx, string(source.Kind()), source.ID)
		if err != nil {
			return nil, fmt.Errorf("read import ledger: %w", err)
		}
		if rec != nil {
			if err := s.ledger.Touch(ctx, rec.ID, res.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return nil, fmt.Errorf("touch import ledger: %w", err)
			}
			result.Record = rec
		}
	}

	s.logger.Info("Import refreshed",
		zap.String("package", pkg.Name),
		zap.String("resource_id", res.ID),
		zap.Int("bytes", len(data)))
	s.auditor.LogImportUpdated(ctx, details(source, result), auth.GetClientIP(ctx))
	return result, nil
}

// upload stages data in a temp file (created, written and closed before
// being reopened for the upload) and passes it to send.
func (s *importService) upload(
	ctx context.Context,
	data []byte,
	u catalog.ResourceUpload,
	send func(context.Context, catalog.ResourceUpload) (*catalog.Resource, error),
) (*catalog.Resource, error) {
	tmp, err := os.CreateTemp(s.cfg.TempDir, "superset-export-*.csv")
	if err != nil {
		return nil, fmt.Errorf("stage export: %w", err)
	}
	path := tmp.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to remove staged export", zap.String("path", path), zap.Error(err))
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("stage export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("stage export: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reopen staged export: %w", err)
	}
	defer f.Close()

	u.File = f
	return send(ctx, u)
}

func details(source *superset.Resource, r *ImportResult) audit.ImportDetails {
	d := audit.ImportDetails{
		SourceKind:  string(source.Kind()),
		SourceID:    source.ID,
		PackageID:   r.Package.ID,
		PackageName: r.Package.Name,
	}
	if r.Resource != nil {
		d.ResourceID = r.Resource.ID
	}
	return d
}
