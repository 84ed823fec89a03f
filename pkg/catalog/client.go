// Package catalog is a client for the CKAN action API (api/3/action).
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/logging"
	"github.com/ekaya-inc/superset-importer/pkg/retry"
)

// DefaultTimeout is the maximum time to wait for a catalog action.
const DefaultTimeout = 60 * time.Second

// Actions is the subset of the CKAN action API used by the importer.
type Actions interface {
	PackageSearch(ctx context.Context, params SearchParams) (*SearchResult, error)
	PackageShow(ctx context.Context, id string) (*Package, error)
	PackageExists(ctx context.Context, name string) (bool, error)
	PackageCreate(ctx context.Context, pkg NewPackage) (*Package, error)
	PackageDelete(ctx context.Context, id string) error
	ResourceCreate(ctx context.Context, upload ResourceUpload) (*Resource, error)
	ResourcePatch(ctx context.Context, upload ResourceUpload) (*Resource, error)
	MemberCreate(ctx context.Context, groupID, packageID string) error
	GroupListAuthz(ctx context.Context) ([]Group, error)
	OrganizationListForUser(ctx context.Context, userID string) ([]Group, error)
	UserShow(ctx context.Context, id string) (*User, error)
}

// Client calls the action API of one CKAN site with a fixed API token.
type Client struct {
	baseURL  string
	http     *resty.Client
	retryCfg *retry.Config
	logger   *zap.Logger
}

var _ Actions = (*Client)(nil)

// NewClient creates a catalog client. token may be empty for anonymous access.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	baseURL = strings.TrimRight(baseURL, "/")

	rc := resty.New().
		SetBaseURL(baseURL + "/api/3/action").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetLogger(logger.Sugar())
	if token != "" {
		rc.SetHeader("Authorization", token)
	}

	return &Client{
		baseURL:  baseURL,
		http:     rc,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.Named("catalog"),
	}
}

// BaseURL returns the catalog site URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type envelope struct {
	Success bool                       `json:"success"`
	Result  json.RawMessage            `json:"result"`
	Error   map[string]json.RawMessage `json:"error"`
}

// decode turns a raw action response into result or an *ActionError.
func (c *Client) decode(action string, resp *resty.Response, result any) error {
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &ActionError{Action: action, Status: resp.StatusCode(), Err: fmt.Errorf("decode response: %w", err)}
	}

	if !env.Success || resp.IsError() {
		ae := &ActionError{Action: action, Status: resp.StatusCode()}
		if env.Error != nil {
			ae.Type = stringField(env.Error, "__type")
			ae.Message = stringField(env.Error, "message")
			if ae.Message == "" {
				ae.Message = fieldErrors(env.Error)
			}
		}
		return ae
	}

	if result == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return &ActionError{Action: action, Status: resp.StatusCode(), Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func stringField(m map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := m[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// fieldErrors flattens CKAN validation errors ({"name": ["..."]}) into one line.
func fieldErrors(m map[string]json.RawMessage) string {
	var parts []string
	for key, raw := range m {
		if key == "__type" || key == "message" {
			continue
		}
		var msgs []string
		if err := json.Unmarshal(raw, &msgs); err != nil {
			msgs = []string{string(raw)}
		}
		parts = append(parts, key+": "+strings.Join(msgs, "; "))
	}
	return strings.Join(parts, ", ")
}

// post calls a write action once.
func (c *Client) post(ctx context.Context, action string, payload, result any) error {
	c.logger.Debug("Catalog action", zap.String("action", action))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post("/" + action)
	if err != nil {
		c.logger.Error("Catalog action failed",
			zap.String("action", action),
			zap.String("error", logging.SanitizeError(err)))
		return &ActionError{Action: action, Err: err}
	}
	return c.decode(action, resp, result)
}

// read calls a read-only action, retrying transport errors and 5xx responses.
func (c *Client) read(ctx context.Context, action string, payload, result any) error {
	_, err := retry.DoIfRetryable(ctx, c.retryCfg, func() (struct{}, error) {
		return struct{}{}, c.post(ctx, action, payload, result)
	})
	return err
}

// upload posts a multipart form with the file under "upload".
func (c *Client) upload(ctx context.Context, action string, fields map[string]string, u ResourceUpload, result any) error {
	c.logger.Info("Uploading resource file",
		zap.String("action", action),
		zap.String("package_id", u.PackageID),
		zap.String("file", u.FileName))

	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(fields).
		SetFileReader("upload", u.FileName, u.File).
		Post("/" + action)
	if err != nil {
		return &ActionError{Action: action, Err: err}
	}
	return c.decode(action, resp, result)
}

func (c *Client) PackageSearch(ctx context.Context, params SearchParams) (*SearchResult, error) {
	var res SearchResult
	if err := c.read(ctx, "package_search", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) PackageShow(ctx context.Context, id string) (*Package, error) {
	var pkg Package
	if err := c.read(ctx, "package_show", map[string]string{"id": id}, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// PackageExists reports whether a package with this name or id exists,
// including deleted and private ones visible to the token.
func (c *Client) PackageExists(ctx context.Context, name string) (bool, error) {
	_, err := c.PackageShow(ctx, name)
	if err == nil {
		return true, nil
	}
	var ae *ActionError
	if errors.As(err, &ae) && ae.IsNotFound() {
		return false, nil
	}
	return false, err
}

func (c *Client) PackageCreate(ctx context.Context, pkg NewPackage) (*Package, error) {
	var created Package
	if err := c.post(ctx, "package_create", pkg, &created); err != nil {
		return nil, err
	}
	c.logger.Info("Package created", zap.String("id", created.ID), zap.String("name", created.Name))
	return &created, nil
}

func (c *Client) PackageDelete(ctx context.Context, id string) error {
	return c.post(ctx, "package_delete", map[string]string{"id": id}, nil)
}

func (c *Client) ResourceCreate(ctx context.Context, u ResourceUpload) (*Resource, error) {
	fields := map[string]string{
		"package_id": u.PackageID,
		"name":       u.Name,
		"format":     u.Format,
		"url_type":   "upload",
	}
	var res Resource
	if err := c.upload(ctx, "resource_create", fields, u, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResourcePatch replaces the file of resource u.ID; unspecified metadata is kept.
func (c *Client) ResourcePatch(ctx context.Context, u ResourceUpload) (*Resource, error) {
	fields := map[string]string{
		"id":       u.ID,
		"url_type": "upload",
	}
	if u.Format != "" {
		fields["format"] = u.Format
	}
	var res Resource
	if err := c.upload(ctx, "resource_patch", fields, u, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) MemberCreate(ctx context.Context, groupID, packageID string) error {
	return c.post(ctx, "member_create", map[string]string{
		"id":          groupID,
		"object":      packageID,
		"object_type": "package",
		"capacity":    "member",
	}, nil)
}

// GroupListAuthz lists the groups the token's user may add packages to.
func (c *Client) GroupListAuthz(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := c.read(ctx, "group_list_authz", map[string]any{}, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// OrganizationListForUser lists organizations where userID may create datasets.
func (c *Client) OrganizationListForUser(ctx context.Context, userID string) ([]Group, error) {
	payload := map[string]string{"permission": "create_dataset"}
	if userID != "" {
		payload["id"] = userID
	}
	var orgs []Group
	if err := c.read(ctx, "organization_list_for_user", payload, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

func (c *Client) UserShow(ctx context.Context, id string) (*User, error) {
	var user User
	if err := c.read(ctx, "user_show", map[string]string{"id": id}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
