package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDefaultsClassifyKnownPredicates(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	assert.Equal(t, SingleValued, r.Cardinality("uses_database"))
	assert.Equal(t, MultiValued, r.Cardinality("depends_on"))
	assert.True(t, r.SingleValued("primary_language"))
}

func TestUnknownPredicateIsMultiValued(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)

	assert.Equal(t, MultiValued, r.Cardinality("never_seen_before"))
	assert.False(t, r.SingleValued("never_seen_before"))
}

func TestFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predicates.yaml")
	body := []byte("single_valued: [preferred_editor]\nmulti_valued: [uses_database]\n")
	require.NoError(t, os.WriteFile(path, body, 0644))

	r, err := NewRegistry(path)
	require.NoError(t, err)

	assert.Equal(t, SingleValued, r.Cardinality("preferred_editor"))
	// File entries win over compiled-in defaults.
	assert.Equal(t, MultiValued, r.Cardinality("uses_database"))
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, SingleValued, r.Cardinality("license"))
}

func TestReloadKeepsTableOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predicates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("single_valued: [custom_slot]\n"), 0644))

	r, err := NewRegistry(path)
	require.NoError(t, err)
	require.Equal(t, SingleValued, r.Cardinality("custom_slot"))

	require.NoError(t, os.WriteFile(path, []byte("single_valued: {broken"), 0644))
	assert.Error(t, r.Reload())
	assert.Equal(t, SingleValued, r.Cardinality("custom_slot"))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "predicates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("single_valued: []\n"), 0644))

	r, err := NewRegistry(path)
	require.NoError(t, err)
	require.Equal(t, MultiValued, r.Cardinality("favorite_shell"))

	w, err := NewWatcher(r)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("single_valued: [favorite_shell]\n"), 0644))

	assert.Eventually(t, func() bool {
		return r.Cardinality("favorite_shell") == SingleValued
	}, 3*time.Second, 25*time.Millisecond)
}
