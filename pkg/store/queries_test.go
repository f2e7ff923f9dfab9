package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullableJSON(t *testing.T) {
	assert.Nil(t, nullableJSON(nil))
	assert.Nil(t, nullableJSON([]byte{}))
	assert.Equal(t, []byte(`{"a":1}`), nullableJSON([]byte(`{"a":1}`)))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Password: "secret", MaxOpenConns: 10, MaxIdleConns: 5}
	assert.NoError(t, cfg.Validate())

	cfg.Password = ""
	assert.ErrorContains(t, cfg.Validate(), "STORE_DB_PASSWORD is required")

	cfg.Password = "secret"
	cfg.MaxIdleConns = 20
	assert.ErrorContains(t, cfg.Validate(), "cannot exceed")

	cfg.MaxIdleConns = 5
	cfg.MaxOpenConns = 0
	assert.ErrorContains(t, cfg.Validate(), "must be at least 1")
}
