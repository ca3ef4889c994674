package config

import "fmt"

// DataSourceConfig configures one query backend (a "provider" in the API).
type DataSourceConfig struct {
	// Type is the backend kind: "sql", "mongodb", or "splunk".
	Type string `yaml:"type"`

	// QueryTimeoutSeconds bounds a single validation or execution call
	// against the backend. This is deliberately shorter than the request
	// deadline so a slow backend cannot consume the whole loop budget.
	QueryTimeoutSeconds int `yaml:"query_timeout,omitempty"`

	// MaxRows caps bounded execution result size.
	MaxRows int `yaml:"max_rows,omitempty"`

	// SQL connection settings (Type == "sql").
	SQL *DatabaseConfig `yaml:"sql,omitempty"`

	// Mongo connection settings (Type == "mongodb").
	Mongo *MongoConfig `yaml:"mongo,omitempty"`

	// Splunk connection settings (Type == "splunk").
	Splunk *SplunkConfig `yaml:"splunk,omitempty"`
}

// MongoConfig configures a MongoDB data source.
type MongoConfig struct {
	// URI is the mongodb:// connection string.
	URI string `yaml:"uri"`

	// Database is the target database name.
	Database string `yaml:"database"`
}

// SplunkConfig configures a Splunk data source.
type SplunkConfig struct {
	// BaseURL is the Splunk management endpoint (e.g. https://host:8089).
	BaseURL string `yaml:"base_url"`

	// Token is a Splunk authentication token.
	Token string `yaml:"token"`

	// Index restricts searches to one index (optional).
	Index string `yaml:"index,omitempty"`

	// SkipTLSVerify disables certificate verification for self-signed
	// Splunk deployments.
	SkipTLSVerify bool `yaml:"skip_tls_verify,omitempty"`
}

func (c *DataSourceConfig) SetDefaults() {
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 30
	}
	if c.MaxRows == 0 {
		c.MaxRows = 100
	}
	if c.SQL != nil {
		c.SQL.SetDefaults()
	}
}

func (c *DataSourceConfig) Validate() error {
	switch c.Type {
	case "sql":
		if c.SQL == nil {
			return fmt.Errorf("sql configuration is required")
		}
		return c.SQL.Validate()
	case "mongodb":
		if c.Mongo == nil || c.Mongo.URI == "" {
			return fmt.Errorf("mongo uri is required")
		}
		if c.Mongo.Database == "" {
			return fmt.Errorf("mongo database is required")
		}
		return nil
	case "splunk":
		if c.Splunk == nil || c.Splunk.BaseURL == "" {
			return fmt.Errorf("splunk base_url is required")
		}
		if c.Splunk.Token == "" {
			return fmt.Errorf("splunk token is required")
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unsupported type %q (supported: sql, mongodb, splunk)", c.Type)
	}
}
