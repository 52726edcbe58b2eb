package api

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"botfactory/internal/core"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	_ = v.RegisterValidation("taskname", func(fl validator.FieldLevel) bool {
		return core.ValidName(fl.Field().String())
	})
	return v
}

func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}
