package activity

import (
	"github.com/go-playground/validator/v10"
)

// structValidate checks the validate tags of payloads and query params.
// Initialized in init() with the actortype rule.
var structValidate *validator.Validate

func init() {
	structValidate = validator.New()
	_ = structValidate.RegisterValidation("actortype", func(fl validator.FieldLevel) bool {
		return ValidActorTypes[fl.Field().String()]
	})
}

// ValidateStruct runs the validate tags of v.
func ValidateStruct(v any) error {
	return structValidate.Struct(v)
}

// ValidateVar runs a validate tag against a single value.
func ValidateVar(v any, tag string) error {
	return structValidate.Var(v, tag)
}
