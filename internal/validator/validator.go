package validator

import (
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// trans is the singleton English translator for validation errors.
var trans ut.Translator

// Setup registers the validator with English translations on Gin's binding engine.
// Call once during application startup.
func Setup() {
	v, ok := binding.Validator.Engine().(*govalidator.Validate)
	if !ok {
		return
	}

	// Use JSON tag name for field names in error messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(v, trans)

	v.RegisterValidation("question_type", func(fl govalidator.FieldLevel) bool {
		return model.QuestionType(fl.Field().String()).Valid()
	})
	v.RegisterTranslation("question_type", trans,
		func(ut ut.Translator) error {
			return ut.Add("question_type", "{0} must be a known question type", true)
		},
		func(ut ut.Translator, fe govalidator.FieldError) string {
			t, _ := ut.T("question_type", fe.Field())
			return t
		},
	)
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name → human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			if trans != nil {
				fields[fe.Field()] = fe.Translate(trans)
			} else {
				fields[fe.Field()] = fe.Error()
			}
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// IsAnswerError reports whether a decode or validation failure lies inside
// an entry of an answers list rather than in the surrounding request.
func IsAnswerError(err error) bool {
	if errors.Is(err, model.ErrInvalidAnswer) {
		return true
	}
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return strings.HasPrefix(te.Field, "answers.")
	}
	var ve govalidator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return false
	}
	for _, fe := range ve {
		if !strings.Contains(strings.ToLower(fe.Namespace()), ".answers[") {
			return false
		}
	}
	return true
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst any) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}

// BindAnswers binds a body carrying an answers list. optional accepts an
// empty body. answer is set when the failure is confined to the answer entries.
func BindAnswers(c *gin.Context, dst any, optional bool) (fields map[string]string, answer bool) {
	if optional && c.Request.ContentLength == 0 {
		return nil, false
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil, false
		}
		return TranslateErrors(err), IsAnswerError(err)
	}
	return nil, false
}

// Struct validates a value decoded outside Gin, such as a WebSocket message.
func Struct(v any) map[string]string {
	fields, _ := StructAnswers(v)
	return fields
}

// StructAnswers is Struct with the answer-entry classification of BindAnswers.
func StructAnswers(v any) (fields map[string]string, answer bool) {
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return TranslateErrors(err), IsAnswerError(err)
	}
	return nil, false
}
