package units

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUnitName(t *testing.T) {
	valid := []string{"web", "agent-api", "notes-ui", "a.b_c-d", "0leading-digit"}
	for _, name := range valid {
		assert.NoError(t, ValidateUnitName(name), "name: %s", name)
	}

	invalid := []string{
		"",
		"UpperCase",
		"has space",
		"-leading-dash",
		".leading-dot",
		"unicode-ü",
		strings.Repeat("x", 65),
	}
	for _, name := range invalid {
		assert.Error(t, ValidateUnitName(name), "name: %s", name)
	}
}

func TestValidateUnit(t *testing.T) {
	base := Unit{
		Name:          "alpha-api",
		Kind:          KindService,
		Command:       []string{"python", "serve.py"},
		RequiresPort:  true,
		HealthPath:    "/health",
		RestartPolicy: RestartAlways,
	}
	assert.NoError(t, ValidateUnit(base))

	noCommand := base
	noCommand.Command = nil
	assert.Error(t, ValidateUnit(noCommand))

	badKind := base
	badKind.Kind = Kind("container")
	assert.Error(t, ValidateUnit(badKind))

	relativeHealthPath := base
	relativeHealthPath.HealthPath = "health"
	assert.Error(t, ValidateUnit(relativeHealthPath))

	healthWithoutPort := base
	healthWithoutPort.RequiresPort = false
	assert.Error(t, ValidateUnit(healthWithoutPort))

	// External units have no command of their own
	external := Unit{Name: "postgres", Kind: KindExternal}
	assert.NoError(t, ValidateUnit(external))
}
