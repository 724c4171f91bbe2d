package market

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	require.Len(t, c.AssetTypes, 4)
	assert.Equal(t, []string{"Brazil", "China", "USA", "Europe", "India", "Singapore"}, c.Regions)
	assert.Equal(t, "Nature", c.Defaults.AssetType)
	assert.Equal(t, "Brazil", c.Defaults.Region)
	assert.Equal(t, "Project Alpha #01", c.Defaults.ProjectName)
	assert.Equal(t, uint64(100), c.Defaults.Amount)
	assert.Equal(t, "0.1", c.Defaults.Price)

	solar, ok := c.Asset("Solar")
	require.True(t, ok)
	assert.Equal(t, "Solar Farm", solar.Label)
	assert.Contains(t, solar.Image, "amplussolar.com")

	_, ok = c.Asset("Coal")
	assert.False(t, ok)
}

func TestLoadCatalog_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
asset_types:
  - label: Mangroves
    value: BlueCarbon
    image: https://example.com/mangrove.jpg
regions: [Kenya]
defaults:
  asset_type: BlueCarbon
  region: Kenya
  project_name: Mikoko Pamoja
  amount: 10
  price: "2"
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.True(t, c.HasRegion("Kenya"))
	assert.False(t, c.HasRegion("Brazil"))
	assert.Equal(t, "Mikoko Pamoja", c.Defaults.ProjectName)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "empty", yaml: "{}", want: "at least one asset type"},
		{name: "bad default region", yaml: `
asset_types: [{label: A, value: A, image: x}]
regions: [X]
defaults: {region: Y}
`, want: "default region"},
		{name: "duplicate asset", yaml: `
asset_types: [{label: A, value: A, image: x}, {label: B, value: A, image: y}]
regions: [X]
`, want: "duplicate asset type"},
		{name: "not yaml", yaml: "asset_types: [", want: "failed to parse catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
