// Package testhelpers provides in-process Superset and catalog doubles and
// container-backed Postgres and Redis for package tests.
package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Credentials and tokens accepted by FakeSuperset when RequireLogin is set.
const (
	FakeSupersetUser     = "admin"
	FakeSupersetPassword = "admin-password"
	FakeSupersetToken    = "fake-access-token"
	FakeSupersetCSRF     = "fake-csrf-token"
	FakeSupersetSession  = "fake-session"
)

// FakeSuperset is an in-process Superset API double. Fields may be set
// before the first request; counters are safe to read concurrently.
type FakeSuperset struct {
	Server *httptest.Server

	// ChartPages is served page by page from chart/; pages past the end are empty.
	ChartPages [][]map[string]any
	// Charts is served from chart/{id}; Datasets from dataset/ and dataset/{id}.
	Charts    map[string]map[string]any
	Datasets  []map[string]any
	Databases []map[string]any
	// CSV is keyed by "{kind}/{id}".
	CSV map[string]string
	// Thumbnails is keyed by the full request path.
	Thumbnails map[string][]byte
	// Fail forces a status code for a request path.
	Fail map[string]int

	RequireLogin     bool
	TokenLoginStatus int // overrides the token login response status
	OmitAccessToken  bool
	FormLoginStatus  int // status returned by POST /login/ instead of 302

	mu       sync.Mutex
	requests map[string]int
	headers  map[string]http.Header
}

// NewFakeSuperset starts a fake server that is closed when the test ends.
func NewFakeSuperset(t *testing.T) *FakeSuperset {
	t.Helper()

	f := &FakeSuperset{
		Charts:     map[string]map[string]any{},
		CSV:        map[string]string{},
		Thumbnails: map[string][]byte{},
		Fail:       map[string]int{},
		requests:   map[string]int{},
		headers:    map[string]http.Header{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the base URL of the fake instance.
func (f *FakeSuperset) URL() string {
	return f.Server.URL
}

// Requests returns how many requests hit "METHOD path".
func (f *FakeSuperset) Requests(methodAndPath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[methodAndPath]
}

// LastHeaders returns the headers of the last request to "METHOD path".
func (f *FakeSuperset) LastHeaders(methodAndPath string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[methodAndPath]
}

// ChartsOfSize builds a page of n charts with ids starting at first.
func ChartsOfSize(first, n int) []map[string]any {
	page := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		id := first + i
		page = append(page, map[string]any{"id": id, "slice_name": fmt.Sprintf("Chart %d", id)})
	}
	return page
}

func (f *FakeSuperset) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.requests[key]++
	f.headers[key] = r.Header.Clone()
	fail := f.Fail[r.URL.Path]
	f.mu.Unlock()

	if fail != 0 {
		http.Error(w, `{"message":"boom"}`, fail)
		return
	}

	switch {
	case r.URL.Path == "/api/v1/security/login" && r.Method == http.MethodPost:
		f.tokenLogin(w, r)
	case r.URL.Path == "/login/" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><form method="post"><input id="csrf_token" name="csrf_token" type="hidden" value="%s"><input name="username"></form></body></html>`, FakeSupersetCSRF)
	case r.URL.Path == "/login/" && r.Method == http.MethodPost:
		f.formLogin(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/") && r.Method == http.MethodGet:
		f.api(w, r, strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/"), "/"), "/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeSuperset) tokenLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Provider string `json:"provider"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if f.TokenLoginStatus != 0 {
		http.Error(w, `{"message":"login refused"}`, f.TokenLoginStatus)
		return
	}
	if body.Username != FakeSupersetUser || body.Password != FakeSupersetPassword {
		http.Error(w, `{"message":"Not authorized"}`, http.StatusUnauthorized)
		return
	}
	if f.OmitAccessToken {
		writeFakeJSON(w, map[string]any{"refresh_token": "r"})
		return
	}
	writeFakeJSON(w, map[string]any{"access_token": FakeSupersetToken})
}

func (f *FakeSuperset) formLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.FormLoginStatus != 0 {
		w.WriteHeader(f.FormLoginStatus)
		return
	}
	if r.PostForm.Get("csrf_token") != FakeSupersetCSRF ||
		r.PostForm.Get("username") != FakeSupersetUser ||
		r.PostForm.Get("password") != FakeSupersetPassword {
		// Superset re-renders the form on bad credentials.
		w.WriteHeader(http.StatusOK)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: FakeSupersetSession, Path: "/"})
	http.Redirect(w, r, "/superset/welcome/", http.StatusFound)
}

func (f *FakeSuperset) authorized(r *http.Request, csv bool) bool {
	if !f.RequireLogin {
		return true
	}
	if csv {
		c, err := r.Cookie("session")
		return err == nil && c.Value == FakeSupersetSession
	}
	return r.Header.Get("Authorization") == "Bearer "+FakeSupersetToken
}

func (f *FakeSuperset) api(w http.ResponseWriter, r *http.Request, parts []string) {
	isCSV := len(parts) == 3 && parts[2] == "data"
	if !f.authorized(r, isCSV) {
		http.Error(w, `{"msg":"Not authorized"}`, http.StatusUnauthorized)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "chart":
		var q struct {
			Page int `json:"page"`
		}
		_ = json.Unmarshal([]byte(r.URL.Query().Get("q")), &q)
		page := []map[string]any{}
		if q.Page < len(f.ChartPages) {
			page = f.ChartPages[q.Page]
		}
		writeFakeJSON(w, map[string]any{"count": len(page), "result": page})
	case len(parts) == 1 && parts[0] == "dataset":
		writeFakeJSON(w, map[string]any{"count": len(f.Datasets), "result": orEmpty(f.Datasets)})
	case len(parts) == 1 && parts[0] == "database":
		writeFakeJSON(w, map[string]any{"count": len(f.Databases), "result": orEmpty(f.Databases)})
	case len(parts) == 2 && parts[0] == "chart":
		chart, ok := f.Charts[parts[1]]
		if !ok {
			http.Error(w, `{"message":"Not found"}`, http.StatusNotFound)
			return
		}
		writeFakeJSON(w, map[string]any{"id": chart["id"], "result": chart})
	case len(parts) == 2 && parts[0] == "dataset":
		for _, ds := range f.Datasets {
			if fmt.Sprint(ds["id"]) == parts[1] {
				writeFakeJSON(w, map[string]any{"id": ds["id"], "result": ds})
				return
			}
		}
		http.Error(w, `{"message":"Not found"}`, http.StatusNotFound)
	case isCSV:
		csv, ok := f.CSV[parts[0]+"/"+parts[1]]
		if !ok || r.URL.Query().Get("format") != "csv" {
			http.Error(w, `{"message":"Not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(csv))
	default:
		img, ok := f.Thumbnails[r.URL.Path]
		if !ok {
			http.Error(w, `{"message":"Not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}
}

func orEmpty(items []map[string]any) []map[string]any {
	if items == nil {
		return []map[string]any{}
	}
	return items
}

func writeFakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
