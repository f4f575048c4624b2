package config

import "fmt"

// StoreConfiguration selects and configures the durable repository
// backend. Only "bbolt" is implemented; the field exists so a future
// backend can be added without another config-shape migration.
type StoreConfiguration struct {
	Type          string              `yaml:"Type"`
	BoltDBOptions BoltDBOptionsConfig `yaml:"BoltDBOptions"`
}

// BoltDBOptionsConfig configures the bbolt-backed Repository.
type BoltDBOptionsConfig struct {
	FilePath string `yaml:"FilePath"`
}

func (s StoreConfiguration) Validate() error {
	if s.Type != "bbolt" {
		return fmt.Errorf("unsupported Store.Type: %q", s.Type)
	}
	if s.BoltDBOptions.FilePath == "" {
		return fmt.Errorf("Store.BoltDBOptions.FilePath is required")
	}
	return nil
}

// ContentStoreConfiguration selects the ContentStore backend.
type ContentStoreConfiguration struct {
	Backend           string `yaml:"Backend"` // "ipfs" or "memory"
	IPFSDatastorePath string `yaml:"IPFSDatastorePath"`
}

func (c ContentStoreConfiguration) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "ipfs":
		if c.IPFSDatastorePath == "" {
			return fmt.Errorf("ContentStore.IPFSDatastorePath is required for backend %q", c.Backend)
		}
		return nil
	default:
		return fmt.Errorf("unsupported ContentStore.Backend: %q", c.Backend)
	}
}

// LedgerConfiguration selects the LedgerClient backend.
type LedgerConfiguration struct {
	Backend        string `yaml:"Backend"` // "neogo" or "memory"
	Endpoint       string `yaml:"Endpoint"`
	TokenHash      string `yaml:"TokenHash"`
	WalletPath     string `yaml:"WalletPath"`
	WalletPassword string `yaml:"WalletPassword"`
}

func (l LedgerConfiguration) Validate() error {
	switch l.Backend {
	case "memory":
		return nil
	case "neogo":
		if l.Endpoint == "" {
			return fmt.Errorf("Ledger.Endpoint is required for backend %q", l.Backend)
		}
		if l.TokenHash == "" {
			return fmt.Errorf("Ledger.TokenHash is required for backend %q", l.Backend)
		}
		if l.WalletPath == "" {
			return fmt.Errorf("Ledger.WalletPath is required for backend %q", l.Backend)
		}
		return nil
	default:
		return fmt.Errorf("unsupported Ledger.Backend: %q", l.Backend)
	}
}

// CoreConfiguration is the ambient, non-PoA-specific half of Config:
// logging, storage backends, and the capability wiring choices.
type CoreConfiguration struct {
	Logger       Logger                    `yaml:"Logger"`
	Store        StoreConfiguration        `yaml:"Store"`
	ContentStore ContentStoreConfiguration `yaml:"ContentStore"`
	Ledger       LedgerConfiguration       `yaml:"Ledger"`
	// OperatorAccount is the ledger account rewards are paid out from.
	// Its balance backs the minimum-reserve safety check.
	OperatorAccount     string `yaml:"OperatorAccount"`
	AgentChannelAddress string       `yaml:"AgentChannelAddress"`
	AdminAPIAddress     string       `yaml:"AdminAPIAddress"`
	Metrics             BasicService `yaml:"Metrics"`
}

// Validate validates every nested section and requires OperatorAccount
// and AgentChannelAddress to be set. AdminAPIAddress and Metrics are not
// checked.
func (c CoreConfiguration) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("Logger: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("Store: %w", err)
	}
	if err := c.ContentStore.Validate(); err != nil {
		return fmt.Errorf("ContentStore: %w", err)
	}
	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("Ledger: %w", err)
	}
	if c.OperatorAccount == "" {
		return fmt.Errorf("OperatorAccount is required")
	}
	if c.AgentChannelAddress == "" {
		return fmt.Errorf("AgentChannelAddress is required")
	}
	return nil
}
