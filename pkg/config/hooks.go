package config

// StorageConnectPolicy decides what a storage failure at connect time does.
type StorageConnectPolicy string

const (
	// StoragePolicyFailOpen accepts the connection and logs the failure.
	StoragePolicyFailOpen StorageConnectPolicy = "fail_open"
	// StoragePolicyFailClosed rejects the connection.
	StoragePolicyFailClosed StorageConnectPolicy = "fail_closed"
)

// IsValid reports whether p is a known policy.
func (p StorageConnectPolicy) IsValid() bool {
	return p == StoragePolicyFailOpen || p == StoragePolicyFailClosed
}

// HooksConfig controls the built-in lifecycle hooks.
type HooksConfig struct {
	StorageConnectPolicy StorageConnectPolicy `yaml:"storage_connect_policy"`

	// Disabled lists built-in hook names registered in the disabled state.
	Disabled []string `yaml:"disabled"`

	// Priorities overrides built-in hook priorities by name.
	Priorities map[string]int `yaml:"priorities"`
}

// DefaultHooksConfig returns the built-in hook defaults.
func DefaultHooksConfig() *HooksConfig {
	return &HooksConfig{
		StorageConnectPolicy: StoragePolicyFailOpen,
	}
}
