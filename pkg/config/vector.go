package config

import "fmt"

// VectorConfig selects and configures the example vector index.
type VectorConfig struct {
	// Type identifies the index implementation: "chromem" (embedded,
	// default), "qdrant", or "pinecone".
	Type string `yaml:"type,omitempty"`

	// Collection is the index collection holding example embeddings.
	Collection string `yaml:"collection,omitempty"`

	// Chromem configuration (used when Type == "chromem").
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`

	// Qdrant configuration (used when Type == "qdrant").
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`

	// Pinecone configuration (used when Type == "pinecone").
	Pinecone *PineconeConfig `yaml:"pinecone,omitempty"`
}

// ChromemConfig configures the embedded chromem index.
type ChromemConfig struct {
	// Path persists the index on disk. Empty means in-memory only.
	Path string `yaml:"path,omitempty"`
}

// QdrantConfig configures a Qdrant server connection.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`

	// Port is the Qdrant gRPC port (default: 6334).
	Port int `yaml:"port,omitempty"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"use_tls,omitempty"`
}

// PineconeConfig configures a Pinecone index connection.
type PineconeConfig struct {
	// APIKey authenticates with Pinecone.
	APIKey string `yaml:"api_key"`

	// IndexHost is the target index host URL.
	IndexHost string `yaml:"index_host"`

	// Namespace isolates example vectors within the index.
	Namespace string `yaml:"namespace,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Collection == "" {
		c.Collection = "examples"
	}
	if c.Type == "chromem" && c.Chromem == nil {
		c.Chromem = &ChromemConfig{}
	}
	if c.Qdrant != nil && c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Type {
	case "chromem":
		return nil
	case "qdrant":
		if c.Qdrant == nil || c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		return nil
	case "pinecone":
		if c.Pinecone == nil || c.Pinecone.APIKey == "" {
			return fmt.Errorf("pinecone api_key is required")
		}
		if c.Pinecone.IndexHost == "" {
			return fmt.Errorf("pinecone index_host is required")
		}
		return nil
	default:
		return fmt.Errorf("unsupported vector type %q (supported: chromem, qdrant, pinecone)", c.Type)
	}
}
