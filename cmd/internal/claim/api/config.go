package claimapi

// Config controls claim API limits.
type Config struct {
	MaxBodyBytes int64
}

// DefaultConfig returns safe defaults (16 KiB bodies).
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 16 << 10}
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return c
}
