package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/superset-importer/pkg/audit"
	"github.com/ekaya-inc/superset-importer/pkg/auth"
	"github.com/ekaya-inc/superset-importer/pkg/catalog"
	"github.com/ekaya-inc/superset-importer/pkg/config"
	"github.com/ekaya-inc/superset-importer/pkg/services"
	"github.com/ekaya-inc/superset-importer/pkg/superset"
	"github.com/ekaya-inc/superset-importer/pkg/testhelpers"
)

type panelFixture struct {
	superset *testhelpers.FakeSuperset
	catalog  *testhelpers.FakeCatalog
	mux      *http.ServeMux
	logs     *observer.ObservedLogs
}

func newPanelFixture(t *testing.T) *panelFixture {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	fs := testhelpers.NewFakeSuperset(t)
	fs.Charts["7"] = map[string]any{"id": 7, "slice_name": "Sales"}
	fs.CSV["chart/7"] = "region,total\nnorth,10\n"
	fs.ChartPages = [][]map[string]any{testhelpers.ChartsOfSize(1, 2)}
	fs.Datasets = []map[string]any{{"id": 3, "table_name": "orders"}}
	fs.CSV["dataset/3"] = "id,amount\n1,5\n"
	fs.Databases = []map[string]any{{"id": 10, "database_name": "warehouse"}, {"id": 2, "database_name": "examples"}}

	fc := testhelpers.NewFakeCatalog(t)
	fc.Users["ada"] = testhelpers.FakeUser{ID: "user-ada", Name: "ada", Sysadmin: true}
	fc.Users["bob"] = testhelpers.FakeUser{ID: "user-bob", Name: "bob"}

	cat := catalog.NewClient(fc.URL(), testhelpers.FakeCatalogToken, 5*time.Second, logger)
	auditor := audit.NewSecurityAuditor(logger)

	jwks, err := auth.NewJWKSClient(context.Background(), &auth.JWKSConfig{EnableVerification: false})
	require.NoError(t, err)
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwks, "", logger), cat, auditor, logger)

	flashes, err := auth.NewFlashStore("test-secret", auth.CookieSettings{})
	require.NoError(t, err)

	importService := services.NewImportService(
		cat,
		nil,
		services.NewImportLock(nil, 0, logger),
		auditor,
		services.ImportConfig{MaxNameAttempts: 100, RollbackOnFailure: true, TempDir: t.TempDir()},
		logger,
	)

	supersetCfg := superset.Config{URL: fs.URL(), Timeout: 5 * time.Second}
	mux := http.NewServeMux()
	NewSupersetHandler(supersetCfg, importService, flashes, fc.URL(), logger).RegisterRoutes(mux, authMiddleware)
	NewImagesHandler(supersetCfg, logger).RegisterRoutes(mux, authMiddleware)
	NewHealthHandler(&config.Config{Version: "test"}, nil, logger).RegisterRoutes(mux)

	return &panelFixture{superset: fs, catalog: fc, mux: mux, logs: logs}
}

// do sends a request as the given catalog user ("" for anonymous). A non-nil
// form is posted url-encoded.
func (f *panelFixture) do(t *testing.T, method, target, user string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user != "" {
		req.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: testhelpers.GenerateTestJWT(user, "")})
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()

	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Data, target))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func salesForm() url.Values {
	return url.Values{
		"ckan_dataset_title":         {"Sales"},
		"ckan_dataset_notes":         {"Monthly sales"},
		"ckan_organization_id":       {"org1"},
		"ckan_dataset_private":       {"on"},
		"ckan_group_ids[]":           {"g1", "g2"},
		"ckan_dataset_tags":          {"finance, monthly ,"},
		"ckan_dataset_resource_name": {"Sales data"},
	}
}

func TestSupersetHandler_RequiresSysadmin(t *testing.T) {
	f := newPanelFixture(t)

	tests := []struct {
		name        string
		user        string
		wantMessage string
	}{
		{"anonymous", "", auth.MsgNoUser},
		{"unknown user", "mallory", auth.MsgUserNotFound},
		{"not a sysadmin", "bob", auth.MsgSysadminRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/apache-superset/charts", tt.user, nil)

			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, tt.wantMessage, decodeError(t, rec)["message"])
		})
	}

	assert.Zero(t, f.superset.Requests("GET /api/v1/chart/"), "denied requests must not reach Superset")
	assert.Len(t, f.logs.FilterMessage("Access denied").All(), len(tests))
}

func TestSupersetHandler_Dashboard(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodGet, "/apache-superset/", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var dash struct {
		SupersetURL    string           `json:"superset_url"`
		DatasetsCount  int              `json:"datasets_count"`
		Datasets       []map[string]any `json:"datasets"`
		DatabasesCount int              `json:"databases_count"`
	}
	decodeData(t, rec, &dash)

	assert.Equal(t, f.superset.URL(), dash.SupersetURL)
	assert.Equal(t, 1, dash.DatasetsCount)
	require.Len(t, dash.Datasets, 1)
	assert.Equal(t, "orders", dash.Datasets[0]["table_name"])
	assert.Equal(t, 2, dash.DatabasesCount)
}

func TestSupersetHandler_Dashboard_VendorFailure(t *testing.T) {
	f := newPanelFixture(t)
	f.superset.Fail["/api/v1/dataset/"] = http.StatusInternalServerError

	rec := f.do(t, http.MethodGet, "/apache-superset/", "ada", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom", "vendor body must stay in the server log")
	body := decodeError(t, rec)
	assert.Equal(t, "superset_error", body["error"])
	assert.Equal(t, "Superset request failed with status 500 Internal Server Error", body["message"])
}

func TestSupersetHandler_ListCharts(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodGet, "/apache-superset/charts", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Charts    []map[string]any `json:"charts"`
		Total     int              `json:"total"`
		Truncated bool             `json:"truncated"`
	}
	decodeData(t, rec, &list)

	assert.Equal(t, 2, list.Total)
	assert.False(t, list.Truncated)
	assert.Equal(t, "Chart 1", list.Charts[0]["slice_name"])
	assert.Equal(t, 2, f.superset.Requests("GET /api/v1/chart/"), "one full page then one empty page")
}

func TestSupersetHandler_ListDatasetsAndDatabases(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodGet, "/apache-superset/datasets", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var datasets struct {
		Datasets []map[string]any `json:"datasets"`
		Count    int              `json:"count"`
	}
	decodeData(t, rec, &datasets)
	assert.Equal(t, 1, datasets.Count)

	rec = f.do(t, http.MethodGet, "/apache-superset/list_databases", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var databases struct {
		Databases []map[string]any `json:"databases"`
		Total     int              `json:"total"`
	}
	decodeData(t, rec, &databases)
	require.Equal(t, 2, databases.Total)
	assert.Equal(t, "examples", databases.Databases[0]["database_name"], "sorted by id")
	assert.Equal(t, "warehouse", databases.Databases[1]["database_name"])
}

func TestSupersetHandler_ImportForm(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodGet, "/apache-superset/create-dataset/7", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var form struct {
		Source        map[string]any   `json:"source"`
		Kind          string           `json:"kind"`
		Groups        []map[string]any `json:"groups"`
		Organizations []map[string]any `json:"organizations"`
		Linked        map[string]any   `json:"linked"`
	}
	decodeData(t, rec, &form)

	assert.Equal(t, "Sales", form.Source["slice_name"])
	assert.Equal(t, "chart", form.Kind)
	assert.Len(t, form.Groups, 2)
	assert.Len(t, form.Organizations, 1)
	assert.Nil(t, form.Linked)
}

func TestSupersetHandler_ImportForm_NotFound(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodGet, "/apache-superset/create-dataset/404", "ada", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec)["error"])
}

func TestSupersetHandler_ImportForm_InvalidKind(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodGet, "/apache-superset/create-dataset/7?kind=dashboard", "ada", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_kind", decodeError(t, rec)["error"])
}

func TestSupersetHandler_CreateImport(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodPost, "/apache-superset/create-dataset/7", "ada", salesForm())

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, f.catalog.URL()+"/dataset/sales", rec.Header().Get("Location"))

	pkg := f.catalog.Package("sales")
	require.NotNil(t, pkg)
	assert.True(t, pkg.Private)
	assert.Equal(t, "Monthly sales", pkg.Notes)
	assert.Equal(t, []map[string]string{{"name": "finance"}, {"name": "monthly"}}, pkg.Tags)
	require.Len(t, pkg.Resources, 1)
	assert.Equal(t, "Sales data", pkg.Resources[0].Name)
	assert.Equal(t, "region,total\nnorth,10\n", pkg.Resources[0].Content)
	assert.Equal(t, []string{pkg.ID}, f.catalog.Members("g1"))
	assert.Equal(t, []string{pkg.ID}, f.catalog.Members("g2"))

	// The flash survives the redirect and is shown once.
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	dash := f.do(t, http.MethodGet, "/apache-superset/", "ada", nil, cookies...)
	require.Equal(t, http.StatusOK, dash.Code)
	var withFlash struct {
		Flashes []auth.Flash `json:"flashes"`
	}
	decodeData(t, dash, &withFlash)
	require.Len(t, withFlash.Flashes, 1)
	assert.Equal(t, auth.FlashSuccess, withFlash.Flashes[0].Category)
	assert.Contains(t, withFlash.Flashes[0].Message, "sales")
}

func TestSupersetHandler_CreateImport_MultipartForm(t *testing.T) {
	f := newPanelFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for key, values := range salesForm() {
		for _, v := range values {
			require.NoError(t, mw.WriteField(key, v))
		}
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/apache-superset/create-dataset/7", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: auth.DefaultCookieName, Value: testhelpers.GenerateTestJWT("ada", "")})
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	pkg := f.catalog.Package("sales")
	require.NotNil(t, pkg)
	assert.Equal(t, "Monthly sales", pkg.Notes)
	assert.Equal(t, []string{pkg.ID}, f.catalog.Members("g2"))
}

func TestSupersetHandler_CreateImport_Dataset(t *testing.T) {
	f := newPanelFixture(t)
	form := salesForm()
	form.Set("ckan_dataset_title", "Orders")
	form.Del("ckan_dataset_resource_name")

	rec := f.do(t, http.MethodPost, "/apache-superset/create-dataset/3?kind=dataset", "ada", form)

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	pkg := f.catalog.Package("orders")
	require.NotNil(t, pkg)
	assert.Equal(t, []map[string]string{{"key": "superset_dataset_id", "value": "3"}}, pkg.Extras)
	require.Len(t, pkg.Resources, 1)
	assert.Equal(t, "orders.csv", pkg.Resources[0].Name)
	assert.Equal(t, "id,amount\n1,5\n", pkg.Resources[0].Content)
}

func TestSupersetHandler_CreateImport_InvalidGroup(t *testing.T) {
	f := newPanelFixture(t)
	form := salesForm()
	form["ckan_group_ids[]"] = []string{"g1", "nope"}

	rec := f.do(t, http.MethodPost, "/apache-superset/create-dataset/7", "ada", form)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec)["message"], "Invalid group IDs: nope")
	assert.Zero(t, f.catalog.Calls("package_create"))
}

func TestSupersetHandler_CreateImport_MissingTitle(t *testing.T) {
	f := newPanelFixture(t)
	form := salesForm()
	form.Del("ckan_dataset_title")

	rec := f.do(t, http.MethodPost, "/apache-superset/create-dataset/7", "ada", form)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec)["message"], "ckan_dataset_title is required")
	assert.Zero(t, f.catalog.Calls("package_create"))
}

func TestSupersetHandler_CreateImport_AlreadyImported(t *testing.T) {
	f := newPanelFixture(t)

	first := f.do(t, http.MethodPost, "/apache-superset/create-dataset/7", "ada", salesForm())
	require.Equal(t, http.StatusSeeOther, first.Code)

	second := f.do(t, http.MethodPost, "/apache-superset/create-dataset/7", "ada", salesForm())

	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, decodeError(t, second)["message"], `"sales"`)
	assert.Equal(t, 1, f.catalog.Calls("package_create"))
}

func TestSupersetHandler_UpdateImport(t *testing.T) {
	f := newPanelFixture(t)

	created := f.do(t, http.MethodPost, "/apache-superset/create-dataset/7", "ada", salesForm())
	require.Equal(t, http.StatusSeeOther, created.Code)
	resourceID := f.catalog.Package("sales").Resources[0].ID

	f.superset.CSV["chart/7"] = "region,total\nnorth,12\nsouth,3\n"
	rec := f.do(t, http.MethodPost, "/apache-superset/update-dataset/7", "ada", url.Values{})

	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, f.catalog.URL()+"/dataset/sales", rec.Header().Get("Location"))

	pkg := f.catalog.Package("sales")
	require.Len(t, pkg.Resources, 1)
	assert.Equal(t, resourceID, pkg.Resources[0].ID)
	assert.Equal(t, "Sales data", pkg.Resources[0].Name)
	assert.Equal(t, "region,total\nnorth,12\nsouth,3\n", pkg.Resources[0].Content)
}

func TestSupersetHandler_UpdateImport_NotImported(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodPost, "/apache-superset/update-dataset/7", "ada", url.Values{})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, f.superset.Requests("GET /api/v1/chart/7/data/"))
}

func TestSupersetHandler_UpdateImport_WrongResourceCount(t *testing.T) {
	f := newPanelFixture(t)
	f.catalog.AddPackage(testhelpers.FakePackage{
		Name:     "sales",
		Title:    "Sales",
		OwnerOrg: "org1",
		Extras:   []map[string]string{{"key": "superset_chart_id", "value": "7"}},
	})

	rec := f.do(t, http.MethodPost, "/apache-superset/update-dataset/7", "ada", url.Values{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.superset.Requests("GET /api/v1/chart/7/data/"))
}

func TestImportRequestFromForm(t *testing.T) {
	req := importRequestFromForm(salesForm())

	assert.Equal(t, services.ImportRequest{
		Title:        "Sales",
		Notes:        "Monthly sales",
		OwnerOrg:     "org1",
		Private:      true,
		GroupIDs:     []string{"g1", "g2"},
		Tags:         []string{"finance", "monthly"},
		ResourceName: "Sales data",
	}, req)

	empty := importRequestFromForm(url.Values{"ckan_dataset_private": {"off"}})
	assert.False(t, empty.Private)
	assert.Nil(t, empty.Tags)
	assert.Nil(t, empty.GroupIDs)
}

func TestHealthRoutes_ArePublic(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}
