// Package api embeds the OpenAPI document served under /api/docs.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.0 description of the HTTP API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
