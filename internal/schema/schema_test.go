package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const uuidPattern = `^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`

func userDefinition() *Definition {
	return &Definition{
		Name:       "user",
		PluralName: "users",
		Properties: []Property{
			{Name: "id", Type: "string", Pattern: uuidPattern},
			{Name: "email", Type: "string", Format: "email"},
			{Name: "password", Type: "string"},
		},
		Required: []string{"email", "password"},
	}
}

func TestCompileRequiredMessages(t *testing.T) {
	validate, err := Compile(userDefinition())
	require.NoError(t, err)

	err = validate(map[string]any{})
	require.Error(t, err)
	require.Equal(t, "`email` is required, `password` is required", err.Error())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Messages, 2)
}

func TestCompileFormatMessages(t *testing.T) {
	validate, err := Compile(userDefinition())
	require.NoError(t, err)

	err = validate(map[string]any{"email": "blah!", "password": "blah!"})
	require.Error(t, err)
	require.Equal(t, "`email` must match format \"email\"", err.Error())

	require.NoError(t, validate(map[string]any{"email": "blah@example.com", "password": "blah!"}))
}

func TestCompileTypeMessages(t *testing.T) {
	validate, err := Compile(userDefinition())
	require.NoError(t, err)

	err = validate(map[string]any{"email": "blah@example.com", "password": 42})
	require.Error(t, err)
	require.Equal(t, "`password` must be string", err.Error())
}

func TestCompilePatternMessages(t *testing.T) {
	def := &Definition{
		Name:       "thing",
		PluralName: "things",
		Properties: []Property{
			{Name: "id", Type: "string", Pattern: uuidPattern},
			{Name: "rev", Type: "string", Pattern: uuidPattern},
			{Name: "name", Type: "string"},
		},
		Required: []string{"rev", "name"},
	}
	validate, err := Compile(def)
	require.NoError(t, err)

	err = validate(map[string]any{"rev": "hack hack hack", "name": "something"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "`rev` must match pattern")
}

func TestCompileViolationOrdering(t *testing.T) {
	validate, err := Compile(userDefinition())
	require.NoError(t, err)

	// Required violations come first, then per-property violations in
	// declaration order.
	err = validate(map[string]any{"id": "not-a-uuid", "email": 7})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, []string{
		"`password` is required",
		"`id` must match pattern \"" + uuidPattern + "\"",
		"`email` must be string",
	}, verr.Messages)
}

func TestCompileSkipsTimestampProperties(t *testing.T) {
	def := &Definition{
		Name:       "stamped",
		PluralName: "stampeds",
		Properties: []Property{
			{Name: "name", Type: "string"},
			{Name: "createdAt", Type: "string", Format: "date-time"},
			{Name: "updatedAt", Type: "string", Format: "date-time"},
		},
		Required: []string{"name"},
	}
	validate, err := Compile(def)
	require.NoError(t, err)

	// The model stamps time.Time values; they must not be validated as
	// schema strings.
	require.NoError(t, validate(map[string]any{"name": "x", "createdAt": 1, "updatedAt": 2}))
}

func TestCompileRejectsBadSchemas(t *testing.T) {
	_, err := Compile(&Definition{
		Name:       "bad",
		Properties: []Property{{Name: "x", Type: "string", Pattern: "("}},
	})
	require.Error(t, err)

	_, err = Compile(&Definition{
		Name:       "bad",
		Properties: []Property{{Name: "x", Type: "string", Format: "zip-code"}},
	})
	require.Error(t, err)
}

func TestDefinitionHelpers(t *testing.T) {
	def := userDefinition()
	require.False(t, def.HasRev())
	require.False(t, def.HasTimestamps())

	def.Properties = append(def.Properties,
		Property{Name: "rev", Type: "string"},
		Property{Name: "updatedAt", Type: "string", Format: "date-time"},
	)
	require.True(t, def.HasRev())
	require.True(t, def.HasTimestamps())

	p, ok := def.Property("email")
	require.True(t, ok)
	require.Equal(t, "email", p.Format)
	_, ok = def.Property("nope")
	require.False(t, ok)
}
