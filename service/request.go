package service

import (
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const maxJSONBody = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report json names instead of Go field names
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validationError lists every field that failed, in a readable form.
type validationError struct {
	messages []string
}

func (e *validationError) Error() string {
	if len(e.messages) == 0 {
		return "validation failed"
	}
	return strings.Join(e.messages, "; ")
}

var messageTemplates = map[string]string{
	"required":  "%s is required",
	"latitude":  "%s must be a valid latitude (-90 to 90)",
	"longitude": "%s must be a valid longitude (-180 to 180)",
	"url":       "%s must be a valid URL",
}

var paramTemplates = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"len":   "%s must have length %s",
}

func translate(fe validator.FieldError) string {
	field := fe.Field()
	if t, ok := messageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(t, field)
	}
	if t, ok := paramTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(t, field, fe.Param())
	}
	unit := ""
	if fe.Kind().String() == "string" {
		unit = " characters"
	} else if fe.Kind().String() == "slice" {
		unit = " items"
	}
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("%s must be at least %s%s", field, fe.Param(), unit)
	case "max":
		return fmt.Sprintf("%s must be at most %s%s", field, fe.Param(), unit)
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}

func validateStruct(v interface{}) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &validationError{messages: []string{err.Error()}}
	}
	verr := &validationError{messages: make([]string, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		verr.messages = append(verr.messages, translate(fe))
	}
	return verr
}

// decode reads a JSON body into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errors.Wrap(errBadRequest, err.Error())
	}
	if len(data) == 0 {
		return errors.Wrap(errBadRequest, "empty body")
	}
	if err = json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(errBadRequest, err.Error())
	}
	return validateStruct(dst)
}

func objectID(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, errBadID
	}
	return id, nil
}

func pathID(r *http.Request, name string) (primitive.ObjectID, error) {
	return objectID(chi.URLParam(r, name))
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &validationError{messages: []string{name + " must be an integer"}}
	}
	return n, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, &validationError{messages: []string{name + " is required"}}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &validationError{messages: []string{name + " must be a number"}}
	}
	return f, nil
}

// queryTime parses an RFC 3339 timestamp; absent means the zero time.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, &validationError{messages: []string{name + " must be an RFC 3339 timestamp"}}
	}
	return t, nil
}
