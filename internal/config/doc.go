// Package config handles configuration loading for coven-connect.
//
// # Configuration File
//
// Files are YAML unless the name ends in .toml. Both formats use the same
// keys:
//
//	server:
//	  http_addr: ":8080"
//	  base_url: "https://connect.example.com"
//	database:
//	  path: "./coven-connect.db"
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	vault:
//	  key: "${COVEN_VAULT_KEY}"
//	oauth:
//	  providers:
//	    - id: github
//	      name: GitHub
//	      client_id: "${GITHUB_CLIENT_ID}"
//	      client_secret: "${GITHUB_CLIENT_SECRET}"
//	      auth_url: https://github.com/login/oauth/authorize
//	      token_url: https://github.com/login/oauth/access_token
//	      scopes: [repo]
//	connectors:
//	  max_active: 10
//	  validate_timeout: "10s"
//	  retry_delay: "3s"
//	sessions:
//	  history_size: 20
//	  confirmation_ttl: "5m"
//	  sweep_interval: "1m"
//
// # Environment Variable Expansion
//
// ${VAR_NAME} anywhere in the file is replaced by the variable's value, or
// by an empty string when it is unset. Secrets should always come in this
// way.
//
// # Vault Key
//
// Set vault.key to a base64 32-byte key (coven-connect keygen prints one),
// or vault.passphrase with a vault.salt of at least 16 characters to derive
// it with PBKDF2.
//
// # Validation
//
// Struct fields are checked with go-playground/validator. Load returns the
// first failure, naming the field.
package config
