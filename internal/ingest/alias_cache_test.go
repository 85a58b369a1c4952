package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *AliasCache {
	dir := t.TempDir()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAliasCache(filepath.Join(dir, "alias.json"), 50*time.Millisecond, logger)
}

func TestAliasCache_ResolveDeviceScopedPrecedence(t *testing.T) {
	c := newTestCache(t)
	c.Populate("Secil", "EdgeA", "", 17, "NodeScoped/Name")
	c.Populate("Secil", "EdgeA", "DeviceA", 17, "Device/Name")

	name, ok := c.Resolve("Secil", "EdgeA", "DeviceA", 17)
	require.True(t, ok)
	assert.Equal(t, "Device/Name", name)

	name, ok = c.Resolve("Secil", "EdgeA", "DeviceB", 17)
	require.True(t, ok)
	assert.Equal(t, "NodeScoped/Name", name)
}

func TestAliasCache_MissingAliasReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Resolve("Secil", "EdgeA", "DeviceA", 99)
	assert.False(t, ok)
}

func TestAliasCache_PopulateOverwritesPriorMapping(t *testing.T) {
	c := newTestCache(t)
	c.Populate("Secil", "EdgeA", "DeviceA", 1, "Old/Name")
	c.Populate("Secil", "EdgeA", "DeviceA", 1, "New/Name")

	name, ok := c.Resolve("Secil", "EdgeA", "DeviceA", 1)
	require.True(t, ok)
	assert.Equal(t, "New/Name", name)
}

func TestAliasCache_SnapshotAndLoadRoundTrip(t *testing.T) {
	c := newTestCache(t)
	c.Populate("Secil", "EdgeA", "DeviceA", 1, "Temperature/PV")

	restored := NewAliasCache(c.path, time.Second, c.logger)
	require.NoError(t, restored.Load())

	name, ok := restored.Resolve("Secil", "EdgeA", "DeviceA", 1)
	require.True(t, ok)
	assert.Equal(t, "Temperature/PV", name)
}

func TestAliasCache_PlaceholderAndThrottle(t *testing.T) {
	c := newTestCache(t)

	placeholder, shouldRebirth := c.Placeholder("Secil", "EdgeA", "DeviceA", 17)
	assert.Equal(t, "alias:17", placeholder)
	assert.True(t, shouldRebirth)

	_, shouldRebirthAgain := c.Placeholder("Secil", "EdgeA", "DeviceA", 17)
	assert.False(t, shouldRebirthAgain)

	time.Sleep(60 * time.Millisecond)
	_, shouldRebirthAfterCooldown := c.Placeholder("Secil", "EdgeA", "DeviceA", 17)
	assert.True(t, shouldRebirthAfterCooldown)
}
