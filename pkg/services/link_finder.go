package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/catalog"
	"github.com/ekaya-inc/superset-importer/pkg/repositories"
	"github.com/ekaya-inc/superset-importer/pkg/superset"
)

// linkFinder resolves the catalog package imported from a Superset object.
// A ledger row wins when present; otherwise the catalog is searched for the
// package extra, oldest package first.
type linkFinder struct {
	catalog catalog.Actions
	ledger  repositories.ImportLedger
	logger  *zap.Logger
}

// NewPackageFinder returns the finder used for import links. ledger may be nil.
func NewPackageFinder(cat catalog.Actions, ledger repositories.ImportLedger, logger *zap.Logger) superset.PackageFinder {
	return &linkFinder{catalog: cat, ledger: ledger, logger: logger.Named("link_finder")}
}

func (f *linkFinder) FindLinked(ctx context.Context, kind superset.Kind, sourceID string) (*catalog.Package, error) {
	if f.ledger != nil {
		pkg, found, err := f.fromLedger(ctx, kind, sourceID)
		if err != nil || found {
			return pkg, err
		}
	}
	return f.search(ctx, kind, sourceID)
}

// fromLedger reports found=true when the ledger settled the question,
// including the case where a stale row pointed at a deleted package.
func (f *linkFinder) fromLedger(ctx context.Context, kind superset.Kind, sourceID string) (*catalog.Package, bool, error) {
	rec, err := f.ledger.Get(ctx, string(kind), sourceID)
	if err != nil {
		return nil, false, fmt.Errorf("read import ledger: %w", err)
	}
	if rec == nil {
		return nil, false, nil
	}

	pkg, err := f.catalog.PackageShow(ctx, rec.PackageID)
	switch {
	case catalog.IsNotFound(err), err == nil && pkg.State == "deleted":
		f.logger.Info("Dropping stale ledger row",
			zap.String("kind", string(kind)),
			zap.String("source_id", sourceID),
			zap.String("package_id", rec.PackageID))
		if err := f.ledger.Delete(ctx, rec.ID); err != nil {
			return nil, false, fmt.Errorf("delete stale ledger row: %w", err)
		}
		return nil, true, nil
	case err != nil:
		return nil, false, err
	}
	return pkg, true, nil
}

func (f *linkFinder) search(ctx context.Context, kind superset.Kind, sourceID string) (*catalog.Package, error) {
	res, err := f.catalog.PackageSearch(ctx, catalog.SearchParams{
		FilterQuery:    fmt.Sprintf(`%s:"%s"`, kind.ExtraKey(), strings.ReplaceAll(sourceID, `"`, `\"`)),
		Sort:           "metadata_created asc",
		Rows:           1,
		IncludePrivate: true,
		IncludeDrafts:  true,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, nil
	}
	if res.Count > 1 {
		f.logger.Warn("Several packages link to the same source; using the oldest",
			zap.String("kind", string(kind)),
			zap.String("source_id", sourceID),
			zap.Int("count", res.Count))
	}
	pkg := res.Results[0]
	return &pkg, nil
}
