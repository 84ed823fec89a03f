package catalog

import "io"

// Extra is a free-form key/value pair on a package.
type Extra struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Tag is a package keyword.
type Tag struct {
	Name string `json:"name"`
}

// Group is a CKAN group or organization.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// GroupRef references an existing group in package_create.
type GroupRef struct {
	ID string `json:"id"`
}

// Resource is a file attached to a package.
type Resource struct {
	ID        string `json:"id"`
	PackageID string `json:"package_id,omitempty"`
	Name      string `json:"name"`
	Format    string `json:"format,omitempty"`
	URL       string `json:"url,omitempty"`
	URLType   string `json:"url_type,omitempty"`
}

// Package is a CKAN dataset ("package" in the action API).
type Package struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Title           string     `json:"title"`
	Notes           string     `json:"notes,omitempty"`
	OwnerOrg        string     `json:"owner_org,omitempty"`
	Private         bool       `json:"private"`
	State           string     `json:"state,omitempty"`
	MetadataCreated string     `json:"metadata_created,omitempty"`
	Extras          []Extra    `json:"extras,omitempty"`
	Groups          []Group    `json:"groups,omitempty"`
	Tags            []Tag      `json:"tags,omitempty"`
	Resources       []Resource `json:"resources,omitempty"`
}

// Extra returns the value of the named extra, or "".
func (p *Package) Extra(key string) string {
	for _, e := range p.Extras {
		if e.Key == key {
			return e.Value
		}
	}
	return ""
}

// NewPackage is the package_create payload.
type NewPackage struct {
	Name     string     `json:"name"`
	Title    string     `json:"title"`
	Notes    string     `json:"notes,omitempty"`
	OwnerOrg string     `json:"owner_org"`
	Private  bool       `json:"private"`
	Extras   []Extra    `json:"extras,omitempty"`
	Groups   []GroupRef `json:"groups,omitempty"`
	Tags     []Tag      `json:"tags,omitempty"`
}

// SearchParams is the package_search payload.
type SearchParams struct {
	Query          string `json:"q,omitempty"`
	FilterQuery    string `json:"fq,omitempty"`
	Sort           string `json:"sort,omitempty"`
	Rows           int    `json:"rows,omitempty"`
	IncludePrivate bool   `json:"include_private"`
	IncludeDrafts  bool   `json:"include_drafts"`
}

// SearchResult is the package_search result.
type SearchResult struct {
	Count   int       `json:"count"`
	Results []Package `json:"results"`
}

// User is the subset of user_show the importer needs.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Sysadmin bool   `json:"sysadmin"`
	State    string `json:"state,omitempty"`
}

// ResourceUpload describes a file upload for resource_create (ID empty) or
// resource_patch (ID set).
type ResourceUpload struct {
	ID        string
	PackageID string
	Name      string
	Format    string
	FileName  string
	File      io.Reader
}
