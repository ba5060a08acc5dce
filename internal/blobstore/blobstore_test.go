package blobstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyShape(t *testing.T) {
	key := NewKey("Red Shirt.png")
	parts := strings.SplitN(key, "-", 2)
	require.Len(t, parts, 2)
	assert.NotEmpty(t, parts[0])
	assert.True(t, strings.HasSuffix(key, "-Red_Shirt.png"), key)
	assert.NotContains(t, key, "/")
}

func TestNewKeyStripsDirectories(t *testing.T) {
	for _, name := range []string{"../../etc/passwd", `C:\models\shirt.obj`, "a/b/c.obj"} {
		key := NewKey(name)
		assert.NotContains(t, key, "/", name)
		assert.NotContains(t, key, `\`, name)
		assert.NotContains(t, key, "..", name)
	}
	assert.True(t, strings.HasSuffix(NewKey(""), "-blob"))
}

func TestNewKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key := NewKey("shirt.obj")
		require.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

type nopStore struct{ config map[string]string }

func (nopStore) Put(context.Context, io.Reader, int64, string, string) (Ref, error) {
	return Ref{}, nil
}
func (nopStore) Get(context.Context, string) (*Object, error) { return nil, ErrNotFound }
func (nopStore) Delete(context.Context, string) error          { return nil }
func (nopStore) Close() error                                  { return nil }

func TestRegistryMergesDefaults(t *testing.T) {
	Register("test-nop", func(_ context.Context, config map[string]string, _ Deps) (Store, error) {
		return nopStore{config: config}, nil
	}, func() map[string]string {
		return map[string]string{"a": "default", "b": "default"}
	})

	assert.True(t, IsRegistered("test-nop"))
	assert.Contains(t, Backends(), "test-nop")

	store, err := Open(context.Background(), "test-nop", map[string]string{"b": "explicit", "a": ""}, Deps{})
	require.NoError(t, err)
	cfg := store.(nopStore).config
	assert.Equal(t, "default", cfg["a"])
	assert.Equal(t, "explicit", cfg["b"])

	assert.Panics(t, func() { Register("test-nop", nil, nil) })
}

func TestRegistryUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), "nope", nil, Deps{})
	assert.ErrorContains(t, err, `unknown backend "nope"`)
}

func TestConfigHelpers(t *testing.T) {
	cfg := map[string]string{"yes": "YES", "off": "0", "bad": "maybe", "n": "42", "nan": "x"}

	v, err := GetBool(cfg, "yes", false)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = GetBool(cfg, "off", true)
	require.NoError(t, err)
	assert.False(t, v)

	v, err = GetBool(cfg, "missing", true)
	require.NoError(t, err)
	assert.True(t, v)

	_, err = GetBool(cfg, "bad", false)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bad", cerr.Field)

	n, err := GetInt(cfg, "n", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = GetInt(cfg, "nan", 0)
	assert.Error(t, err)

	assert.Equal(t, "fallback", GetString(cfg, "missing", "fallback"))
}
