package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var validate = validator.New()

// Validate checks the validate tags of config and of every struct nested in it.
func Validate(config interface{}) error {
	return validate.Struct(config)
}

// LogValidationErrors logs one line per problem found in err, which may be a validator.ValidationErrors,
// a multierror of cross-field checks or any other error.
func LogValidationErrors(err error) {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			LogValidationErrors(e)
		}
		return
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		log.Errorf("ConfigError: %v", err)
		return
	}
	for _, fieldErr := range fieldErrors {
		log.Error("ConfigError: " + describe(fieldErr))
	}
}

func describe(fieldErr validator.FieldError) string {
	field := stripPrefix(fieldErr.Namespace())
	switch fieldErr.Tag() {
	case "required":
		return "Field " + field + " is required but was not found"
	case "oneof":
		return "Field " + field + " must be one of [" + fieldErr.Param() + "]"
	default:
		return "Field " + field + " has invalid value " + stringify(fieldErr.Value()) + ": " + fieldErr.Tag()
	}
}

func stringify(value interface{}) string {
	if s, ok := value.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprintf("%v", value)
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
