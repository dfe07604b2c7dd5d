package config

// Config is the umbrella configuration object returned by Initialize and
// passed to every component at startup.
type Config struct {
	configDir string

	Server    *ServerConfig
	Admission *AdmissionConfig
	Store     *StoreConfig
	Delivery  *DeliveryConfig
	Queue     *QueueConfig
	Hooks     *HooksConfig
	Retention *RetentionConfig
}

// Default returns a configuration made only of built-in defaults.
func Default() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Admission: DefaultAdmissionConfig(),
		Store:     DefaultStoreConfig(),
		Delivery:  DefaultDeliveryConfig(),
		Queue:     DefaultQueueConfig(),
		Hooks:     DefaultHooksConfig(),
		Retention: DefaultRetentionConfig(),
	}
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}
