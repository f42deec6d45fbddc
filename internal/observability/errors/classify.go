package errors

import (
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/buildingvitals/timeseries-api/internal/domain/fetcherr"
)

// Classify returns a normalized error type name suitable for tagging metrics/logs.
// Fetch errors carry an explicit kind and classify to it directly; anything else
// falls back to the innermost concrete type name.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var fe *fetcherr.Error
	if goerrors.As(err, &fe) {
		return string(fe.Kind)
	}

	// Unwrap to the innermost error for better signal.
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
