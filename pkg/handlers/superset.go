package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/auth"
	"github.com/ekaya-inc/superset-importer/pkg/services"
	"github.com/ekaya-inc/superset-importer/pkg/superset"
)

// ============================================================================
// Response Types
// ============================================================================

// DashboardResponse for GET /apache-superset/
type DashboardResponse struct {
	SupersetURL    string               `json:"superset_url"`
	DatasetsCount  int                  `json:"datasets_count"`
	Datasets       []*superset.Resource `json:"datasets"`
	DatabasesCount int                  `json:"databases_count"`
	Flashes        []auth.Flash         `json:"flashes,omitempty"`
}

// ChartListResponse for GET /apache-superset/charts
type ChartListResponse struct {
	Charts    []*superset.Resource `json:"charts"`
	Total     int                  `json:"total"`
	Truncated bool                 `json:"truncated"`
}

// DatasetListResponse for GET /apache-superset/datasets
type DatasetListResponse struct {
	Datasets []*superset.Resource `json:"datasets"`
	Count    int                  `json:"count"`
}

// DatabaseListResponse for GET /apache-superset/list_databases
type DatabaseListResponse struct {
	Databases []superset.Record `json:"databases"`
	Total     int               `json:"total"`
}

// ImportFormResponse for GET /apache-superset/create-dataset/{id}
type ImportFormResponse struct {
	*services.ImportForm
	Flashes []auth.Flash `json:"flashes,omitempty"`
}

// ============================================================================
// Handler
// ============================================================================

// SupersetHandler serves the admin panel over a Superset instance.
// A fresh vendor client is built per request from the immutable config.
type SupersetHandler struct {
	supersetCfg   superset.Config
	importService services.ImportService
	flashes       *auth.FlashStore
	catalogURL    string
	logger        *zap.Logger
}

// NewSupersetHandler creates the admin panel handler. catalogURL is the
// public catalog site that import redirects point at.
func NewSupersetHandler(
	supersetCfg superset.Config,
	importService services.ImportService,
	flashes *auth.FlashStore,
	catalogURL string,
	logger *zap.Logger,
) *SupersetHandler {
	return &SupersetHandler{
		supersetCfg:   supersetCfg,
		importService: importService,
		flashes:       flashes,
		catalogURL:    strings.TrimRight(catalogURL, "/"),
		logger:        logger,
	}
}

// RegisterRoutes registers the admin panel routes on the given mux.
func (h *SupersetHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/apache-superset"

	mux.HandleFunc("GET "+base+"/{$}", authMiddleware.RequireSysadmin(h.Dashboard))
	mux.HandleFunc("GET "+base+"/charts", authMiddleware.RequireSysadmin(h.ListCharts))
	mux.HandleFunc("GET "+base+"/datasets", authMiddleware.RequireSysadmin(h.ListDatasets))
	mux.HandleFunc("GET "+base+"/list_databases", authMiddleware.RequireSysadmin(h.ListDatabases))
	mux.HandleFunc("GET "+base+"/create-dataset/{id}", authMiddleware.RequireSysadmin(h.ImportForm))
	mux.HandleFunc("POST "+base+"/create-dataset/{id}", authMiddleware.RequireSysadmin(h.CreateImport))
	mux.HandleFunc("POST "+base+"/update-dataset/{id}", authMiddleware.RequireSysadmin(h.UpdateImport))
}

func (h *SupersetHandler) newClient() *superset.Client {
	return superset.NewClient(h.supersetCfg, h.logger)
}

// Dashboard handles GET /apache-superset/
func (h *SupersetHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	client := h.newClient()

	datasets, err := client.LoadDatasets(r.Context(), false)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	databases, err := client.LoadDatabases(r.Context(), false)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	response := DashboardResponse{
		SupersetURL:    client.URL(),
		DatasetsCount:  client.DatasetsCount(),
		Datasets:       datasets,
		DatabasesCount: len(databases),
		Flashes:        h.popFlashes(w, r),
	}
	h.writeData(w, response)
}

// ListCharts handles GET /apache-superset/charts
func (h *SupersetHandler) ListCharts(w http.ResponseWriter, r *http.Request) {
	client := h.newClient()

	charts, err := client.LoadCharts(r.Context(), false)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	h.writeData(w, ChartListResponse{
		Charts:    charts,
		Total:     len(charts),
		Truncated: client.ChartsTruncated(),
	})
}

// ListDatasets handles GET /apache-superset/datasets
func (h *SupersetHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	client := h.newClient()

	datasets, err := client.LoadDatasets(r.Context(), false)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	h.writeData(w, DatasetListResponse{Datasets: datasets, Count: client.DatasetsCount()})
}

// ListDatabases handles GET /apache-superset/list_databases
func (h *SupersetHandler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	databases, err := h.newClient().LoadDatabases(r.Context(), false)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	h.writeData(w, DatabaseListResponse{Databases: databases, Total: len(databases)})
}

// ImportForm handles GET /apache-superset/create-dataset/{id}?kind=
func (h *SupersetHandler) ImportForm(w http.ResponseWriter, r *http.Request) {
	source, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	form, err := h.importService.Prepare(r.Context(), source)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	h.writeData(w, ImportFormResponse{ImportForm: form, Flashes: h.popFlashes(w, r)})
}

// CreateImport handles POST /apache-superset/create-dataset/{id}?kind=
// On success the browser is sent to the new catalog package.
func (h *SupersetHandler) CreateImport(w http.ResponseWriter, r *http.Request) {
	if err := parsePostedForm(r); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid form body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	source, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	result, err := h.importService.Create(r.Context(), source, importRequestFromForm(r.PostForm))
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	h.addFlash(w, r, auth.FlashSuccess, "Dataset "+result.Package.Name+" imported from Superset "+string(source.Kind())+" "+source.ID)
	h.redirectToPackage(w, r, result.Package.Name)
}

// UpdateImport handles POST /apache-superset/update-dataset/{id}?kind=
// It replaces the CSV of the previously imported package.
func (h *SupersetHandler) UpdateImport(w http.ResponseWriter, r *http.Request) {
	source, ok := h.loadSource(w, r)
	if !ok {
		return
	}

	result, err := h.importService.Update(r.Context(), source)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}

	h.addFlash(w, r, auth.FlashSuccess, "Dataset "+result.Package.Name+" updated from Superset")
	h.redirectToPackage(w, r, result.Package.Name)
}

// loadSource resolves {id} and ?kind= to a vendor object, writing the error
// response itself when it returns false.
func (h *SupersetHandler) loadSource(w http.ResponseWriter, r *http.Request) (*superset.Resource, bool) {
	id, ok := ParseSourceID(w, r, h.logger)
	if !ok {
		return nil, false
	}
	kind, ok := ParseKind(w, r, h.logger)
	if !ok {
		return nil, false
	}

	source, err := h.newClient().GetResource(r.Context(), kind, id)
	if err != nil {
		if superset.IsNotFound(err) {
			if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Superset "+string(kind)+" "+id+" not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return nil, false
		}
		writeServiceError(w, err, h.logger)
		return nil, false
	}
	return source, true
}

// maxFormMemory bounds the multipart form kept in memory; the import form
// carries no files.
const maxFormMemory = 1 << 20

// parsePostedForm fills r.PostForm from either url-encoded or multipart bodies.
func parsePostedForm(r *http.Request) error {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return err
	}
	return nil
}

// importRequestFromForm maps the posted admin form onto an ImportRequest.
// Tags are comma separated; the private checkbox posts "on".
func importRequestFromForm(form url.Values) services.ImportRequest {
	var tags []string
	for _, tag := range strings.Split(form.Get("ckan_dataset_tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	private := form.Get("ckan_dataset_private")

	return services.ImportRequest{
		Title:        strings.TrimSpace(form.Get("ckan_dataset_title")),
		Notes:        form.Get("ckan_dataset_notes"),
		OwnerOrg:     form.Get("ckan_organization_id"),
		Private:      private == "on" || private == "true",
		GroupIDs:     form["ckan_group_ids[]"],
		Tags:         tags,
		ResourceName: strings.TrimSpace(form.Get("ckan_dataset_resource_name")),
	}
}

func (h *SupersetHandler) redirectToPackage(w http.ResponseWriter, r *http.Request, name string) {
	target, err := url.JoinPath(h.catalogURL, "dataset", name)
	if err != nil {
		h.logger.Error("Failed to build package URL", zap.String("package", name), zap.Error(err))
		target = h.catalogURL + "/dataset/" + url.PathEscape(name)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *SupersetHandler) addFlash(w http.ResponseWriter, r *http.Request, category, message string) {
	if h.flashes == nil {
		return
	}
	if err := h.flashes.Add(w, r, category, message); err != nil {
		h.logger.Warn("Failed to store flash message", zap.Error(err))
	}
}

func (h *SupersetHandler) popFlashes(w http.ResponseWriter, r *http.Request) []auth.Flash {
	if h.flashes == nil {
		return nil
	}
	flashes, err := h.flashes.Pop(w, r)
	if err != nil {
		h.logger.Warn("Failed to read flash messages", zap.Error(err))
		return nil
	}
	return flashes
}

func (h *SupersetHandler) writeData(w http.ResponseWriter, data any) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
