package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ekaya-inc/superset-importer/pkg/apperrors"
	"github.com/ekaya-inc/superset-importer/pkg/catalog"
)

// maxNameLength is CKAN's limit for package and resource names.
const maxNameLength = 100

// ImportRequest is the submitted import form. The form tags are the field
// names posted by the admin panel.
type ImportRequest struct {
	Title        string   `form:"ckan_dataset_title" validate:"required,max=200"`
	Notes        string   `form:"ckan_dataset_notes"`
	OwnerOrg     string   `form:"ckan_organization_id" validate:"required"`
	Private      bool     `form:"ckan_dataset_private"`
	GroupIDs     []string `form:"ckan_group_ids[]" validate:"dive,required"`
	Tags         []string `form:"ckan_dataset_tags" validate:"dive,required,max=100"`
	ResourceName string   `form:"ckan_dataset_resource_name" validate:"max=100"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("form"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints; failures wrap apperrors.ErrInvalidInput
// and name every offending form field.
func (r *ImportRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, strings.Join(msgs, "; "))
}

// checkGroups rejects any group id not in available, naming all of them.
func checkGroups(selected []string, available []catalog.Group) error {
	known := make(map[string]struct{}, len(available))
	for _, g := range available {
		known[g.ID] = struct{}{}
	}

	var invalid []string
	for _, id := range selected {
		if _, ok := known[id]; !ok {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: Invalid group IDs: %s", apperrors.ErrInvalidInput, strings.Join(invalid, ", "))
	}
	return nil
}

// resourceFileName is the upload file name: the display name with a .csv suffix.
func resourceFileName(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".csv") {
		return name
	}
	return name + ".csv"
}
