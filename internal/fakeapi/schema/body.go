package schema

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
)

// UnmarshalBody parses and decodes a JSON request body and checks that every field tagged `required:"true"` is present.
// Validation failures are returned as an *Error, unexpected failures as an error.
func UnmarshalBody[T any](request *http.Request) (*T, *Error, error) {
	body, err := io.ReadAll(request.Body)
	if err != nil {
		return nil, nil, err
	}

	target := new(T)
	if err := json.Unmarshal(body, target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, BadRequest(OriginBody, err.Error()).Detail(typeErr.Field, DetailMalformed), nil
		}
		return nil, BadRequest(OriginBody, "request body is not valid JSON").Detail("body", DetailMalformed), nil
	}

	missing, err := missingFields("", target)
	if err != nil {
		return nil, nil, err
	}
	if len(missing) > 0 {
		validationErr := BadRequest(OriginBody, "missing required fields")
		for _, field := range missing {
			validationErr.Detail(field, DetailRequired)
		}
		return nil, validationErr, nil
	}
	return target, nil, nil
}

func missingFields(fieldPrefix string, val any) ([]string, error) {
	typ := reflect.TypeOf(val)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return nil, errors.New("illegal call to missingFields with non-struct parameter")
	}
	ref := reflect.ValueOf(val)
	if ref.Kind() == reflect.Pointer {
		ref = ref.Elem()
	}

	var missing []string
	for i := 0; i < typ.NumField(); i++ {
		fieldDef := typ.Field(i)
		if !fieldDef.IsExported() {
			continue
		}
		required := strings.EqualFold(fieldDef.Tag.Get("required"), "true")
		fieldName := getFieldName(fieldDef)

		field := ref.Field(i)
		if required && isEmpty(field) {
			missing = append(missing, fieldPrefix+fieldName)
			continue
		}
		if field.Kind() == reflect.Pointer && !field.IsNil() {
			field = field.Elem()
		}
		if field.Kind() == reflect.Struct {
			sub, err := missingFields(fieldPrefix+fieldName+".", field.Interface())
			if err != nil {
				return nil, err
			}
			missing = append(missing, sub...)
		}
	}
	return missing, nil
}

func isEmpty(field reflect.Value) bool {
	switch field.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return field.IsNil()
	case reflect.String:
		return field.Len() == 0
	default:
		return false
	}
}

func getFieldName(def reflect.StructField) string {
	jsonVal, ok := def.Tag.Lookup("json")
	if !ok || jsonVal == "-" {
		return def.Name
	}
	name, _, _ := strings.Cut(jsonVal, ",")
	return name
}
