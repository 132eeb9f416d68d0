package universe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/battlescope/internal/domain"
)

func TestClassify(t *testing.T) {
	catalog := NewCatalog([]System{
		{ID: 30000142, Name: "Jita", RegionID: 10000002, Security: 0.9459},
		{ID: 30002813, Name: "Tama", RegionID: 10000069, Security: 0.3},
		{ID: 30002187, Name: "Amarr", RegionID: 10000043, Security: 1.0},
		{ID: 30000001, Name: "Edge", RegionID: 10000001, Security: 0.46},
		{ID: 30004759, Name: "1DQ1-A", RegionID: 10000060, Security: -0.38},
		{ID: 30031392, Name: "Niarja", RegionID: PochvenRegionID, Security: 0.5},
		{ID: 30000002, Name: "Override", RegionID: 10000001, Security: 0.9, Class: domain.SecurityNull},
	})

	tests := []struct {
		name     string
		systemID int64
		class    domain.SecurityClass
		region   *int64
	}{
		{"highsec", 30000142, domain.SecurityHigh, ptr(10000002)},
		{"lowsec", 30002813, domain.SecurityLow, ptr(10000069)},
		{"rounds up to highsec", 30000001, domain.SecurityHigh, ptr(10000001)},
		{"nullsec", 30004759, domain.SecurityNull, ptr(10000060)},
		{"pochven", 30031392, domain.SecurityPochven, ptr(PochvenRegionID)},
		{"explicit class", 30000002, domain.SecurityNull, ptr(10000001)},
		{"wormhole fallback", 31000005, domain.SecurityWormhole, nil},
		{"abyssal fallback", 32000100, domain.SecurityAbyssal, nil},
		{"unknown", 30099999, domain.SecurityUnknown, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			class, region := catalog.Classify(tt.systemID)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.region, region)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "systems.yaml")
	content := `
systems:
  - id: 30000142
    name: Jita
    region_id: 10000002
    security: 0.9459
  - id: 31000005
    name: Thera
    region_id: 11000031
    security: -0.99
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	catalog, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.Len())

	class, region := catalog.Classify(31000005)
	assert.Equal(t, domain.SecurityWormhole, class)
	assert.Equal(t, ptr(11000031), region)
}

func TestLoad_EmptyPath(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, catalog.Len())
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func ptr(v int64) *int64 { return &v }
