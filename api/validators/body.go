package validators

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
)

const maxBodyBytes = 64 << 10

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".heic": {},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	mustRegister(v, "analyze_mode", func(fl validator.FieldLevel) bool {
		_, err := enums.ParseAnalyzeMode(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "gender", func(fl validator.FieldLevel) bool {
		_, err := enums.ParseGender(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "ticket_type", func(fl validator.FieldLevel) bool {
		_, err := enums.ParseTicketType(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "image_filename", func(fl validator.FieldLevel) bool {
		return IsImageFilename(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// IsImageFilename reports whether name is a bare file name with a supported
// photo extension.
func IsImageFilename(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

// DecodeJSONBody decodes a single JSON object into dest and runs struct
// validation. Bodies over 64KiB, unknown fields and trailing data are rejected.
func DecodeJSONBody(r *http.Request, dest any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return decodeError(err)
	}
	if decoder.More() {
		return pkgerrors.New(pkgerrors.CodeValidation, "request body must contain a single JSON object")
	}
	if err := validate.Struct(dest); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func decodeError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return pkgerrors.New(pkgerrors.CodeValidation, "request body is required")
	case errors.As(err, &maxErr):
		return pkgerrors.New(pkgerrors.CodeValidation, "request body too large").WithDetails(map[string]any{"max_bytes": maxErr.Limit})
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request body").WithDetails(map[string]any{"error": err.Error()})
}

func formatValidationErrors(err error) *pkgerrors.Error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[fieldErr.Field()] = validationMessage(fieldErr)
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "analyze_mode":
		return "must be one of QUICK_1VIEW, STANDARD_2VIEW"
	case "gender":
		return "must be one of male, female, other"
	case "ticket_type":
		return "must be one of QUICK, PREMIUM"
	case "image_filename":
		return "must be a file name ending in .jpg, .jpeg, .png, .webp or .heic"
	}
	return "is invalid"
}
