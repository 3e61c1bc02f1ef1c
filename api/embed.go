// Package api holds the sandbox's OpenAPI document.
package api

import _ "embed"

//go:embed openapi.json
var OpenAPISpec []byte
