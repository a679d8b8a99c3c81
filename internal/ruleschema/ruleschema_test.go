package ruleschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsWellFormedRule(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	doc := []byte(`{
		id: "cp"
		cmdHash: "abc123"
		staticDeps: [{path: "a.txt", accesses: ["Reg"], flags: ["Static"]}]
		targets: [{path: "b.txt", flags: ["Target"]}]
	}`)

	errs := v.Validate(doc)
	assert.Empty(t, errs)
}

func TestValidateRejectsMissingTargets(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	doc := []byte(`{
		id: "cp"
		cmdHash: "abc123"
		staticDeps: []
		targets: []
	}`)

	errs := v.Validate(doc)
	assert.NotEmpty(t, errs)
}

func TestValidateRejectsUnknownAccessKind(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	doc := []byte(`{
		id: "cp"
		cmdHash: "abc123"
		staticDeps: [{path: "a.txt", accesses: ["Bogus"], flags: []}]
		targets: [{path: "b.txt", flags: ["Target"]}]
	}`)

	errs := v.Validate(doc)
	assert.NotEmpty(t, errs)
}

func TestValidateRejectsMissingID(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	doc := []byte(`{
		cmdHash: "abc123"
		staticDeps: []
		targets: [{path: "b.txt", flags: ["Target"]}]
	}`)

	errs := v.Validate(doc)
	assert.NotEmpty(t, errs)
}
