package importer

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

// AllowedExtensions are the file types the import backend accepts.
var AllowedExtensions = []string{".csv", ".txt", ".xlsx", ".xls"}

var periodRe = regexp.MustCompile(`^\d{4}(-(0[1-9]|1[0-2]))?$`)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		return periodRe.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("importext", func(fl validator.FieldLevel) bool {
		ext := strings.ToLower(filepath.Ext(fl.Field().String()))
		for _, a := range AllowedExtensions {
			if ext == a {
				return true
			}
		}
		return false
	})
}

// UploadMeta is the form metadata sent with every file.
type UploadMeta struct {
	ProjectID string `json:"project_id" validate:"required"`
	Period    string `json:"period" validate:"required,period"`
	TestType  string `json:"test_type" validate:"required,oneof=libro_diario sumas_saldos"`
}

type fileCheck struct {
	Name string `json:"file" validate:"required,importext"`
}

var fieldMessages = map[string]string{
	"required":  "El campo '%s' es obligatorio.",
	"period":    "El campo '%s' debe tener el formato AAAA o AAAA-MM.",
	"oneof":     "El campo '%s' debe ser uno de: %s.",
	"importext": "El archivo '%s' no tiene un formato admitido (" + strings.Join(AllowedExtensions, " ") + ").",
	"lte":       "El campo '%s' supera el máximo permitido (%s).",
}

// ValidationError lists every invalid field with a user-facing message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return "datos de carga inválidos: " + strings.Join(parts, " ")
}

func message(field string, fe validator.FieldError) string {
	msg, ok := fieldMessages[fe.Tag()]
	if !ok {
		return fmt.Sprintf("El campo '%s' no es válido (%s).", field, fe.Tag())
	}
	if strings.Count(msg, "%s") == 2 {
		return fmt.Sprintf(msg, field, fe.Param())
	}
	return fmt.Sprintf(msg, field)
}

func collect(err error, into map[string]string, name func(validator.FieldError) string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		into["_"] = err.Error()
		return
	}
	for _, fe := range verrs {
		n := name(fe)
		into[n] = message(n, fe)
	}
}

var jsonNames = map[string]string{
	"ProjectID": "project_id",
	"Period":    "period",
	"TestType":  "test_type",
	"Name":      "file",
}

func jsonName(fe validator.FieldError) string {
	if n, ok := jsonNames[fe.StructField()]; ok {
		return n
	}
	return fe.StructField()
}

// ValidateMeta checks upload metadata.
func ValidateMeta(meta UploadMeta) error {
	fields := map[string]string{}
	if err := validate.Struct(meta); err != nil {
		collect(err, fields, jsonName)
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ValidateFile checks the file name and, when size is known (> 0), its size against maxSize.
func ValidateFile(name string, size, maxSize int64) error {
	fields := map[string]string{}
	if err := validate.Struct(fileCheck{Name: name}); err != nil {
		collect(err, fields, jsonName)
		if _, bad := fields["file"]; bad && name != "" {
			fields["file"] = fmt.Sprintf(fieldMessages["importext"], filepath.Base(name))
		}
	}
	if size > 0 && maxSize > 0 {
		if err := validate.Var(size, fmt.Sprintf("lte=%d", maxSize)); err != nil {
			collect(err, fields, func(validator.FieldError) string { return "size" })
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
