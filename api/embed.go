// Package api embeds the OpenAPI document served at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
