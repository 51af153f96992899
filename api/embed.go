// Package api embeds the HTTP API description.
package api

import _ "embed"

// OpenAPISpec is served at /api/docs/openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
