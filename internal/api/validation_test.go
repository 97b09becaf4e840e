package api

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAliasValidation(t *testing.T) {
	v := validator.New()
	require.NoError(t, registerAliasValidation(v))

	assert.NoError(t, v.Var("summer_sale-2024", "alias"))
	assert.Error(t, v.Var("no spaces!", "alias"))
	assert.Error(t, v.Var("slash/alias", "alias"))
}
