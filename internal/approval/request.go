package approval

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Request field requirements per approval type. Optional fields are
// accepted but not enforced.
var requestFields = map[string][]string{
	"email_draft": {"to", "subject"},
	"payment":     {"amount", "recipient"},
	"social_post": {"platform", "content"},
}

// RequestTypes lists the known approval request types, sorted.
func RequestTypes() []string {
	types := make([]string, 0, len(requestFields))
	for t := range requestFields {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateRequest checks that fields carries every required field for the
// request type.
func ValidateRequest(reqType string, fields map[string]string) error {
	required, ok := requestFields[reqType]
	if !ok {
		return fmt.Errorf("unknown approval type %q (known: %s)", reqType, strings.Join(RequestTypes(), ", "))
	}
	var missing []string
	for _, f := range required {
		if strings.TrimSpace(fields[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields for %s: %s", reqType, strings.Join(missing, ", "))
	}
	return nil
}

// RenderRequest serializes the request fields as the task content body.
func RenderRequest(fields map[string]string) (string, error) {
	data, err := yaml.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
