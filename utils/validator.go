package utils

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"leadflow/apperrors"
)

var validate = validator.New()

// eventNamePattern matches dotted lowercase names such as "lead.created".
var eventNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

func init() {
	// "*" subscribes to every event.
	_ = validate.RegisterValidation("event_name", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return name == "*" || eventNamePattern.MatchString(name)
	})
}

// ValidateStruct runs the `validate` tags and folds failures into a single
// validation error.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Validation("%s", err.Error())
	}

	// Format validation errors
	var messages []string
	for _, err := range verrs {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, field+" must be at least "+param)
		case "max":
			messages = append(messages, field+" must be at most "+param)
		case "email":
			messages = append(messages, field+" must be a valid email")
		case "url":
			messages = append(messages, field+" must be a valid url")
		case "oneof":
			messages = append(messages, field+" must be one of: "+param)
		case "event_name":
			messages = append(messages, field+" must be a dotted lowercase event name or *")
		case "gtefield", "gtfield":
			messages = append(messages, field+" must be greater than "+strings.ToLower(param))
		default:
			messages = append(messages, field+" is invalid")
		}
	}

	return apperrors.Validation("%s", strings.Join(messages, ", "))
}
