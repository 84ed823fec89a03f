package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeCatalogToken is the API token FakeCatalog accepts for write actions.
const FakeCatalogToken = "fake-catalog-token"

// FakePackage is the stored form of a package in FakeCatalog.
type FakePackage struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Title           string              `json:"title"`
	Notes           string              `json:"notes"`
	OwnerOrg        string              `json:"owner_org"`
	Private         bool                `json:"private"`
	State           string              `json:"state"`
	MetadataCreated string              `json:"metadata_created"`
	Extras          []map[string]string `json:"extras"`
	Groups          []map[string]string `json:"groups"`
	Tags            []map[string]string `json:"tags"`
	Resources       []*FakeResource     `json:"resources"`
}

// FakeResource is a stored resource; Content holds the uploaded bytes.
type FakeResource struct {
	ID        string `json:"id"`
	PackageID string `json:"package_id"`
	Name      string `json:"name"`
	Format    string `json:"format"`
	URLType   string `json:"url_type"`
	URL       string `json:"url"`
	Content   string `json:"-"`
}

// FakeUser is returned by user_show.
type FakeUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Sysadmin bool   `json:"sysadmin"`
}

// FakeCatalog is an in-memory CKAN action API.
type FakeCatalog struct {
	Server *httptest.Server

	Groups        []map[string]string
	Organizations []map[string]string
	Users         map[string]FakeUser

	// FailActions forces an error envelope for the named action.
	FailActions map[string]int

	mu       sync.Mutex
	packages []*FakePackage
	members  map[string][]string // group id -> package ids
	calls    map[string]int
	nextID   int
	clock    time.Time
}

// NewFakeCatalog starts a fake catalog that is closed when the test ends.
func NewFakeCatalog(t *testing.T) *FakeCatalog {
	t.Helper()

	f := &FakeCatalog{
		Groups:        []map[string]string{{"id": "g1", "name": "economy"}, {"id": "g2", "name": "health"}},
		Organizations: []map[string]string{{"id": "org1", "name": "city"}},
		Users:         map[string]FakeUser{},
		FailActions:   map[string]int{},
		members:       map[string][]string{},
		calls:         map[string]int{},
		clock:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the site URL of the fake catalog.
func (f *FakeCatalog) URL() string {
	return f.Server.URL
}

// Calls returns how many times an action was invoked.
func (f *FakeCatalog) Calls(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

// AddPackage seeds a package and returns it.
func (f *FakeCatalog) AddPackage(p FakePackage) *FakePackage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(p)
}

// Package returns the stored package with this name or id, or nil.
func (f *FakeCatalog) Package(nameOrID string) *FakePackage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findLocked(nameOrID)
}

// Members returns the package ids added to a group.
func (f *FakeCatalog) Members(groupID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[groupID]...)
}

func (f *FakeCatalog) addLocked(p FakePackage) *FakePackage {
	f.nextID++
	if p.ID == "" {
		p.ID = fmt.Sprintf("pkg-%d", f.nextID)
	}
	if p.State == "" {
		p.State = "active"
	}
	if p.MetadataCreated == "" {
		f.clock = f.clock.Add(time.Minute)
		p.MetadataCreated = f.clock.Format("2006-01-02T15:04:05.000000")
	}
	for _, r := range p.Resources {
		r.PackageID = p.ID
	}
	pkg := &p
	f.packages = append(f.packages, pkg)
	return pkg
}

func (f *FakeCatalog) findLocked(nameOrID string) *FakePackage {
	for _, p := range f.packages {
		if p.Name == nameOrID || p.ID == nameOrID {
			return p
		}
	}
	return nil
}

func (f *FakeCatalog) serve(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/api/3/action/")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[action]++

	if status := f.FailActions[action]; status != 0 {
		writeAction(w, status, nil, map[string]any{"__type": "Internal Error", "message": action + " failed"})
		return
	}

	var payload map[string]any
	var upload string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			writeAction(w, http.StatusBadRequest, nil, map[string]any{"__type": "Validation Error", "upload": []string{err.Error()}})
			return
		}
		payload = map[string]any{}
		for k, v := range r.MultipartForm.Value {
			payload[k] = v[0]
		}
		if file, _, err := r.FormFile("upload"); err == nil {
			b, _ := io.ReadAll(file)
			file.Close()
			upload = string(b)
		}
	} else {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	str := func(k string) string { s, _ := payload[k].(string); return s }

	writesNeedToken := action != "package_show" && action != "package_search" && action != "user_show"
	if writesNeedToken && r.Header.Get("Authorization") != FakeCatalogToken {
		writeAction(w, http.StatusForbidden, nil, map[string]any{"__type": "Authorization Error", "message": "Access denied"})
		return
	}

	switch action {
	case "package_show":
		if p := f.findLocked(str("id")); p != nil {
			writeAction(w, http.StatusOK, p, nil)
			return
		}
		writeAction(w, http.StatusNotFound, nil, map[string]any{"__type": "Not Found Error", "message": "Not found"})
	case "package_search":
		f.search(w, str("fq"), str("sort"))
	case "package_create":
		name := str("name")
		if f.findLocked(name) != nil {
			writeAction(w, http.StatusConflict, nil, map[string]any{"__type": "Validation Error", "name": []string{"That URL is already in use."}})
			return
		}
		raw, _ := json.Marshal(payload)
		var p FakePackage
		_ = json.Unmarshal(raw, &p)
		writeAction(w, http.StatusOK, f.addLocked(p), nil)
	case "package_delete":
		p := f.findLocked(str("id"))
		if p == nil {
			writeAction(w, http.StatusNotFound, nil, map[string]any{"__type": "Not Found Error", "message": "Not found"})
			return
		}
		p.State = "deleted"
		writeAction(w, http.StatusOK, nil, nil)
	case "resource_create":
		p := f.findLocked(str("package_id"))
		if p == nil {
			writeAction(w, http.StatusNotFound, nil, map[string]any{"__type": "Not Found Error", "message": "Package not found"})
			return
		}
		f.nextID++
		res := &FakeResource{
			ID:        fmt.Sprintf("res-%d", f.nextID),
			PackageID: p.ID,
			Name:      str("name"),
			Format:    str("format"),
			URLType:   str("url_type"),
			Content:   upload,
		}
		res.URL = f.Server.URL + "/dataset/" + p.ID + "/resource/" + res.ID + "/download/" + res.Name
		p.Resources = append(p.Resources, res)
		writeAction(w, http.StatusOK, res, nil)
	case "resource_patch":
		for _, p := range f.packages {
			for _, res := range p.Resources {
				if res.ID != str("id") {
					continue
				}
				res.Content = upload
				if v := str("format"); v != "" {
					res.Format = v
				}
				writeAction(w, http.StatusOK, res, nil)
				return
			}
		}
		writeAction(w, http.StatusNotFound, nil, map[string]any{"__type": "Not Found Error", "message": "Resource not found"})
	case "member_create":
		f.members[str("id")] = append(f.members[str("id")], str("object"))
		writeAction(w, http.StatusOK, map[string]string{"table_id": str("object"), "capacity": str("capacity")}, nil)
	case "group_list_authz":
		writeAction(w, http.StatusOK, f.Groups, nil)
	case "organization_list_for_user":
		writeAction(w, http.StatusOK, f.Organizations, nil)
	case "user_show":
		if u, ok := f.Users[str("id")]; ok {
			writeAction(w, http.StatusOK, u, nil)
			return
		}
		writeAction(w, http.StatusNotFound, nil, map[string]any{"__type": "Not Found Error", "message": "User not found"})
	default:
		writeAction(w, http.StatusBadRequest, nil, map[string]any{"__type": "Bad request", "message": "unknown action " + action})
	}
}

// search supports fq of the form key:"value" matched against extras, and
// sort "metadata_created asc".
func (f *FakeCatalog) search(w http.ResponseWriter, fq, sortBy string) {
	key, value, _ := strings.Cut(fq, ":")
	value = strings.Trim(value, `"`)

	results := []*FakePackage{}
	for _, p := range f.packages {
		if p.State != "active" {
			continue
		}
		for _, e := range p.Extras {
			if e["key"] == key && e["value"] == value {
				results = append(results, p)
				break
			}
		}
	}
	if sortBy == "metadata_created asc" {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].MetadataCreated < results[j].MetadataCreated
		})
	}
	writeAction(w, http.StatusOK, map[string]any{"count": len(results), "results": results}, nil)
}

func writeAction(w http.ResponseWriter, status int, result any, errBody map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"help": "fake", "success": errBody == nil}
	if errBody != nil {
		body["error"] = errBody
	} else {
		body["result"] = result
	}
	_ = json.NewEncoder(w).Encode(body)
}
