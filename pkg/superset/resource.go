package superset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/catalog"
	"github.com/ekaya-inc/superset-importer/pkg/jsonutil"
)

// Kind is the vendor object type; it doubles as the API path segment.
type Kind string

const (
	KindChart   Kind = "chart"
	KindDataset Kind = "dataset"
)

// ParseKind accepts "chart" or "dataset"; empty means chart.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindChart:
		return KindChart, nil
	case KindDataset:
		return KindDataset, nil
	default:
		return "", fmt.Errorf("unknown superset object kind %q", s)
	}
}

// Plural is the human label for a collection, e.g. "charts".
func (k Kind) Plural() string {
	return inflection.Plural(string(k))
}

// ExtraKey is the catalog package extra linking a package to its source.
func (k Kind) ExtraKey() string {
	return "superset_" + string(k) + "_id"
}

// nameField is the vendor field holding the display name.
func (k Kind) nameField() string {
	if k == KindDataset {
		return "table_name"
	}
	return "slice_name"
}

// Record is a vendor object: an opaque identifier plus its raw JSON fields.
type Record struct {
	ID   string
	Data map[string]json.RawMessage
}

func newRecord(data map[string]json.RawMessage) Record {
	return Record{ID: jsonutil.Field(data, "id"), Data: data}
}

// Field returns a top-level field as a string ("" when absent).
func (r Record) Field(key string) string {
	return jsonutil.Field(r.Data, key)
}

// MarshalJSON emits the vendor fields unchanged.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.Data == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Data)
}

// PackageFinder locates the catalog package that is the import of a vendor object.
type PackageFinder interface {
	FindLinked(ctx context.Context, kind Kind, sourceID string) (*catalog.Package, error)
}

// Resource wraps a chart or dataset together with the client that loaded it.
type Resource struct {
	Record
	kind   Kind
	client *Client
	linked *catalog.Package
}

func newResource(client *Client, kind Kind, rec Record) *Resource {
	return &Resource{Record: rec, kind: kind, client: client}
}

// Kind returns whether this is a chart or a dataset.
func (r *Resource) Kind() Kind {
	return r.kind
}

// Name is the vendor display name (slice_name for charts, table_name for datasets).
func (r *Resource) Name() string {
	return r.Field(r.kind.nameField())
}

// FetchFromVendor loads the single object {kind}/{id} and unwraps its result.
// The identifier falls back to the envelope id, then to the requested id.
func (r *Resource) FetchFromVendor(ctx context.Context, id string) error {
	var envelope struct {
		ID     json.RawMessage            `json:"id"`
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := r.client.GetJSON(ctx, fmt.Sprintf("%s/%s", r.kind, id), nil, &envelope); err != nil {
		return err
	}

	rec := newRecord(envelope.Result)
	if rec.ID == "" {
		rec.ID = jsonutil.FlexibleStringValue(envelope.ID)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	r.Record = rec
	return nil
}

// Export downloads {kind}/{id}/data/?format={format}.
func (r *Resource) Export(ctx context.Context, format Format) ([]byte, error) {
	r.client.logger.Debug("Downloading export",
		zap.String("kind", string(r.kind)),
		zap.String("id", r.ID),
		zap.String("format", string(format)))
	endpoint := fmt.Sprintf("%s/%s/data/", r.kind, r.ID)
	return r.client.Get(ctx, endpoint, map[string]string{"format": string(format)}, format)
}

// CSV is Export(FormatCSV).
func (r *Resource) CSV(ctx context.Context) ([]byte, error) {
	return r.Export(ctx, FormatCSV)
}

// ImportedRecord returns the catalog package linked to this object, or nil.
// A found package is cached for the lifetime of the wrapper.
func (r *Resource) ImportedRecord(ctx context.Context, finder PackageFinder) (*catalog.Package, error) {
	if r.linked != nil {
		return r.linked, nil
	}
	pkg, err := finder.FindLinked(ctx, r.kind, r.ID)
	if err != nil {
		return nil, err
	}
	r.linked = pkg
	return pkg, nil
}

// Thumbnail fetches the chart image referenced by thumbnail_url. The field
// holds an absolute API path (/api/v1/chart/32/thumbnail/abc/), so the prefix
// is stripped and the request goes through the configured session and proxy.
// Returns nil when there is no thumbnail or the vendor refuses it.
func (r *Resource) Thumbnail(ctx context.Context) []byte {
	thumb := r.Field("thumbnail_url")
	if thumb == "" {
		return nil
	}
	endpoint := strings.Replace(thumb, "/api/v1/", "", 1)

	image, err := r.client.Get(ctx, endpoint, nil, FormatImage)
	if err != nil {
		var re *RequestError
		if errors.As(err, &re) {
			r.client.logger.Debug("No thumbnail available",
				zap.String("id", r.ID),
				zap.String("cause", string(re.Cause)))
			return nil
		}
		r.client.logger.Warn("Thumbnail fetch failed", zap.String("id", r.ID), zap.Error(err))
		return nil
	}
	return image
}
