package market

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// AssetType is a selectable project category and the image minted with it.
type AssetType struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
	Image string `yaml:"image" json:"image"`
}

// ListingDefaults pre-fill a listing form.
type ListingDefaults struct {
	AssetType   string `yaml:"asset_type" json:"asset_type"`
	Region      string `yaml:"region" json:"region"`
	ProjectName string `yaml:"project_name" json:"project_name"`
	Amount      uint64 `yaml:"amount" json:"amount"`
	Price       string `yaml:"price" json:"price"`
}

// Catalog lists the asset types and regions a listing may use.
type Catalog struct {
	AssetTypes []AssetType     `yaml:"asset_types" json:"asset_types"`
	Regions    []string        `yaml:"regions" json:"regions"`
	Defaults   ListingDefaults `yaml:"defaults" json:"defaults"`
}

// LoadCatalog reads a catalog from path, or the built-in catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog. It panics if the embedded file
// is invalid, which is a build defect.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded catalog: %v", err))
	}
	return c
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the catalog is usable and its defaults refer to known entries.
func (c *Catalog) Validate() error {
	var errs []error
	if len(c.AssetTypes) == 0 {
		errs = append(errs, fmt.Errorf("at least one asset type is required"))
	}
	if len(c.Regions) == 0 {
		errs = append(errs, fmt.Errorf("at least one region is required"))
	}
	seen := make(map[string]struct{}, len(c.AssetTypes))
	for _, a := range c.AssetTypes {
		if a.Value == "" || a.Image == "" {
			errs = append(errs, fmt.Errorf("asset type %q needs a value and an image", a.Label))
		}
		if _, dup := seen[a.Value]; dup {
			errs = append(errs, fmt.Errorf("duplicate asset type %q", a.Value))
		}
		seen[a.Value] = struct{}{}
	}
	if c.Defaults.AssetType != "" {
		if _, ok := c.Asset(c.Defaults.AssetType); !ok {
			errs = append(errs, fmt.Errorf("default asset type %q is not in the catalog", c.Defaults.AssetType))
		}
	}
	if c.Defaults.Region != "" && !c.HasRegion(c.Defaults.Region) {
		errs = append(errs, fmt.Errorf("default region %q is not in the catalog", c.Defaults.Region))
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog validation failed: %v", errs)
	}
	return nil
}

// Asset looks up an asset type by value.
func (c *Catalog) Asset(value string) (AssetType, bool) {
	for _, a := range c.AssetTypes {
		if a.Value == value {
			return a, true
		}
	}
	return AssetType{}, false
}

// HasRegion reports whether region is selectable.
func (c *Catalog) HasRegion(region string) bool {
	for _, r := range c.Regions {
		if r == region {
			return true
		}
	}
	return false
}
