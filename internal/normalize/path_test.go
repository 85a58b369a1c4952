package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDevice(t *testing.T) {
	n := New()

	path, err := n.NormalizeDevice([]string{"Secil", "Portugal", "Cement", " Plant One ", "EdgeA", "DeviceA"})
	require.NoError(t, err)
	assert.Equal(t, "Secil/Portugal/Cement/Plant_One/EdgeA/DeviceA", path)
}

func TestNormalizeDevice_DisallowedCharacters(t *testing.T) {
	n := New()

	path, err := n.NormalizeDevice([]string{"Secil", "Plant#1"})
	require.NoError(t, err)
	assert.Equal(t, "Secil/Plant_1", path)
}

func TestNormalizeDevice_EmptySegmentRejected(t *testing.T) {
	n := New()

	_, err := n.NormalizeDevice([]string{"Secil", "   "})
	require.Error(t, err)
}

func TestNormalizeMetric_MultiSegmentName(t *testing.T) {
	n := New()

	path, err := n.NormalizeMetric("Secil/EdgeA/DeviceA", "Temperature/PV")
	require.NoError(t, err)
	assert.Equal(t, "Secil/EdgeA/DeviceA/Temperature/PV", path)
}

func TestToCanaryID(t *testing.T) {
	n := New()

	id := n.ToCanaryID("Secil/EdgeA/DeviceA/Temperature/PV")
	assert.Equal(t, "Secil.EdgeA.DeviceA.Temperature.PV", id)
}

func TestToCanaryID_StableUnderRepeatedApplication(t *testing.T) {
	n := New()

	once := n.ToCanaryID("Secil/EdgeA/DeviceA")
	twice := n.ToCanaryID(once)
	assert.Equal(t, once, twice)
}

func TestNormalize_CasePreserved(t *testing.T) {
	n := New()

	path, err := n.NormalizeDevice([]string{"SeCil", "EdgeA"})
	require.NoError(t, err)
	assert.Equal(t, "SeCil/EdgeA", path)
}
