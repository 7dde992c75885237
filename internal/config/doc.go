// Package config loads the configuration shared by license-server,
// license-agent and licensectl.
//
// # Configuration Sources
//
// Sources are applied in this order, later ones winning:
//
//	1. Default()
//	2. A YAML file: $LICENSE_CONFIG, ./config.yaml, ./configs/config.yaml
//	   or /etc/license/config.yaml, whichever is found first
//	3. LICENSE_* environment variables (envconfig)
//
// # Environment Variables
//
// Variable names follow the struct layout:
//
//	LICENSE_SERVER_PORT=8080
//	LICENSE_DATABASE_DIALECT=postgres
//	LICENSE_DATABASE_DSN=postgres://license@db/license?sslmode=disable
//	LICENSE_REDIS_ADDR=redis:6379
//	LICENSE_SECURITY_ADMIN_JWT_SECRET=...
//	LICENSE_AGENT_SERVER_URL=https://license.example.com
//	LICENSE_AGENT_PRODUCT_KEY=ACME-2025-X7K2-Q9X
//	LICENSE_AGENT_ADMIN_TOKEN=...   (licensectl token, needed by upgrade)
//
// Load validates the result and normalizes logging output. Secrets are never
// logged.
package config
