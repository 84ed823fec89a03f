package superset

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/jsonutil"
)

const (
	chartsPageSize = 50
	maxChartPages  = 20
)

type listResponse struct {
	Count  int                          `json:"count"`
	Result []map[string]json.RawMessage `json:"result"`
}

type pageQuery struct {
	PageSize int `json:"page_size"`
	Page     int `json:"page"`
}

// LoadCharts pages through chart/ until an empty page. At most maxChartPages
// pages are kept; one more page is requested after the cap, and when it is
// not empty the listing is marked truncated (see ChartsTruncated). Cached
// unless force is set.
func (c *Client) LoadCharts(ctx context.Context, force bool) ([]*Resource, error) {
	if c.chartsLoaded && !force {
		return c.charts, nil
	}

	var charts []*Resource
	truncated := false
	for page := 0; page <= maxChartPages; page++ {
		q, err := json.Marshal(pageQuery{PageSize: chartsPageSize, Page: page})
		if err != nil {
			return nil, fmt.Errorf("encode chart query: %w", err)
		}

		var resp listResponse
		if err := c.GetJSON(ctx, "chart/", map[string]string{"q": string(q)}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Result) == 0 {
			break
		}
		if page == maxChartPages {
			truncated = true
			c.logger.Error("Too many pages of charts, listing truncated",
				zap.Int("pages", maxChartPages),
				zap.Int("charts", len(charts)))
			break
		}
		for _, data := range resp.Result {
			charts = append(charts, newResource(c, KindChart, newRecord(data)))
		}
	}

	c.logger.Debug("Loaded "+KindChart.Plural(), zap.Int("count", len(charts)))
	c.charts = charts
	c.chartsLoaded = true
	c.chartsTruncated = truncated
	return c.charts, nil
}

// ChartsTruncated reports whether the last LoadCharts hit the page cap.
func (c *Client) ChartsTruncated() bool {
	return c.chartsTruncated
}

// LoadDatasets fetches dataset/ (single page). Cached unless force is set.
func (c *Client) LoadDatasets(ctx context.Context, force bool) ([]*Resource, error) {
	if c.datasetsLoaded && !force {
		return c.datasets, nil
	}

	var resp listResponse
	if err := c.GetJSON(ctx, "dataset/", nil, &resp); err != nil {
		return nil, err
	}

	datasets := make([]*Resource, 0, len(resp.Result))
	for _, data := range resp.Result {
		datasets = append(datasets, newResource(c, KindDataset, newRecord(data)))
	}

	c.logger.Debug("Loaded "+KindDataset.Plural(),
		zap.Int("count", len(datasets)),
		zap.Int("total", resp.Count))

	c.datasets = datasets
	c.datasetsCount = resp.Count
	c.datasetsLoaded = true
	return c.datasets, nil
}

// DatasetsCount is the vendor's total dataset count from the last listing.
func (c *Client) DatasetsCount() int {
	return c.datasetsCount
}

// LoadDatabases fetches database/ (single page) sorted by identifier.
func (c *Client) LoadDatabases(ctx context.Context, force bool) ([]Record, error) {
	if c.databasesLoaded && !force {
		return c.databases, nil
	}

	var resp listResponse
	if err := c.GetJSON(ctx, "database/", nil, &resp); err != nil {
		return nil, err
	}

	databases := make([]Record, 0, len(resp.Result))
	for _, data := range resp.Result {
		databases = append(databases, newRecord(data))
	}
	sort.SliceStable(databases, func(i, j int) bool {
		return jsonutil.IDLess(databases[i].ID, databases[j].ID)
	})

	c.databases = databases
	c.databasesLoaded = true
	return c.databases, nil
}

// GetChart returns a loaded chart by id, fetching and appending it when absent.
func (c *Client) GetChart(ctx context.Context, id string) (*Resource, error) {
	return c.getResource(ctx, KindChart, &c.charts, id)
}

// GetDataset returns a loaded dataset by id, fetching and appending it when absent.
func (c *Client) GetDataset(ctx context.Context, id string) (*Resource, error) {
	return c.getResource(ctx, KindDataset, &c.datasets, id)
}

// GetResource returns the chart or dataset with the given id.
func (c *Client) GetResource(ctx context.Context, kind Kind, id string) (*Resource, error) {
	if kind == KindDataset {
		return c.GetDataset(ctx, id)
	}
	return c.GetChart(ctx, id)
}

func (c *Client) getResource(ctx context.Context, kind Kind, collection *[]*Resource, id string) (*Resource, error) {
	for _, r := range *collection {
		if r.ID == id {
			return r, nil
		}
	}

	r := newResource(c, kind, Record{})
	if err := r.FetchFromVendor(ctx, id); err != nil {
		return nil, err
	}
	*collection = append(*collection, r)
	return r, nil
}
