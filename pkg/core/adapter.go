package core

// AdapterConfig holds configuration for connecting to a database.
type AdapterConfig struct {
	Type     string            `koanf:"type" json:"type"`
	DSN      string            `koanf:"dsn" json:"-"`
	Path     string            `koanf:"path" json:"path,omitempty"`
	Host     string            `koanf:"host" json:"host,omitempty"`
	Port     int               `koanf:"port" json:"port,omitempty"`
	Database string            `koanf:"database" json:"database,omitempty"`
	Username string            `koanf:"username" json:"username,omitempty"`
	Password string            `koanf:"password" json:"-"`
	Schema   string            `koanf:"schema" json:"schema,omitempty"`
	Options  map[string]string `koanf:"options" json:"options,omitempty"`
	Params   map[string]any    `koanf:"params" json:"params,omitempty"`
}
