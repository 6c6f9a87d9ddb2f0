package validators

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
)

// PathParam returns the trimmed chi URL parameter. Empty values, values longer
// than maxLen and values containing characters outside [A-Za-z0-9._~-] fail
// validation instead of being truncated.
func PathParam(r *http.Request, key string, maxLen int) (string, error) {
	value := strings.TrimSpace(chi.URLParam(r, key))
	if value == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, key+" is required")
	}
	if maxLen > 0 && len(value) > maxLen {
		return "", pkgerrors.New(pkgerrors.CodeValidation, key+" is too long").WithDetails(map[string]any{"field": key, "max": maxLen})
	}
	for i := 0; i < len(value); i++ {
		if !isUnreserved(value[i]) {
			return "", pkgerrors.New(pkgerrors.CodeValidation, key+" contains invalid characters").WithDetails(map[string]any{"field": key})
		}
	}
	return value, nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
