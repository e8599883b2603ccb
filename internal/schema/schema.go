package schema

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Reserved property names that trigger model-level behavior.
const (
	PropID        = "id"
	PropRev       = "rev"
	PropCreatedAt = "createdAt"
	PropUpdatedAt = "updatedAt"
)

// Property describes a single document field. Properties are kept as an
// ordered slice so validation messages come out in declaration order.
type Property struct {
	Name    string
	Type    string
	Format  string
	Pattern string
}

// Definition is a schema for one document collection.
type Definition struct {
	Name       string
	PluralName string
	Properties []Property
	Required   []string
}

// Property returns the declared property with the given name, if any.
func (d *Definition) Property(name string) (Property, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// HasRev reports whether the schema declares a revision token field.
func (d *Definition) HasRev() bool {
	_, ok := d.Property(PropRev)
	return ok
}

// HasTimestamps reports whether the schema declares createdAt or updatedAt.
func (d *Definition) HasTimestamps() bool {
	if _, ok := d.Property(PropCreatedAt); ok {
		return true
	}
	_, ok := d.Property(PropUpdatedAt)
	return ok
}

// ValidationError carries every violation found in one validation pass.
// The message format is stable and caller-visible.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, ", ")
}

// NewValidationError builds a single-message validation error.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Messages: []string{message}}
}

// ValidatorFn checks a document against a compiled schema. It returns nil
// when the document is valid and a *ValidationError otherwise.
type ValidatorFn func(doc map[string]any) error

type compiledProperty struct {
	Property
	pattern *regexp.Regexp
	format  func(string) bool
}

var formatCheckers = map[string]func(string) bool{
	"email": func(s string) bool {
		a, err := mail.ParseAddress(s)
		return err == nil && a.Address == s
	},
	"date-time": func(s string) bool {
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	},
	"uri": func(s string) bool {
		u, err := url.Parse(s)
		return err == nil && u.Scheme != ""
	},
	"uuid": regexp.MustCompile(
		`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`,
	).MatchString,
}

// Compile turns a schema definition into a reusable validator. The
// createdAt/updatedAt properties are excluded from validation since the
// model layer stamps them itself.
func Compile(def *Definition) (ValidatorFn, error) {
	compiled := make([]compiledProperty, 0, len(def.Properties))
	for _, p := range def.Properties {
		if p.Name == PropCreatedAt || p.Name == PropUpdatedAt {
			continue
		}
		cp := compiledProperty{Property: p}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("schema %q: property %q: bad pattern: %w", def.Name, p.Name, err)
			}
			cp.pattern = re
		}
		if p.Format != "" {
			checker, ok := formatCheckers[p.Format]
			if !ok {
				return nil, fmt.Errorf("schema %q: property %q: unknown format %q", def.Name, p.Name, p.Format)
			}
			cp.format = checker
		}
		compiled = append(compiled, cp)
	}

	required := append([]string(nil), def.Required...)

	return func(doc map[string]any) error {
		var messages []string

		for _, name := range required {
			if v, ok := doc[name]; !ok || v == nil {
				messages = append(messages, fmt.Sprintf("`%s` is required", name))
			}
		}

		for _, p := range compiled {
			value, ok := doc[p.Name]
			if !ok || value == nil {
				continue
			}
			if p.Type != "" && !matchesType(value, p.Type) {
				messages = append(messages, fmt.Sprintf("`%s` must be %s", p.Name, p.Type))
				continue
			}
			s, isString := value.(string)
			if p.format != nil && isString && !p.format(s) {
				messages = append(messages, fmt.Sprintf("`%s` must match format %q", p.Name, p.Format))
				continue
			}
			if p.pattern != nil && isString && !p.pattern.MatchString(s) {
				messages = append(messages, fmt.Sprintf("`%s` must match pattern %q", p.Name, p.Pattern))
			}
		}

		if len(messages) > 0 {
			return &ValidationError{Messages: messages}
		}
		return nil
	}, nil
}

func matchesType(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		return isNumber(value)
	case "integer":
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case float32:
			return n == float32(int64(n))
		default:
			return false
		}
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		switch value.(type) {
		case []any, []map[string]any, []string:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}
