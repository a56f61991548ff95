package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed openapi.yaml
var openAPISpec string

// SpecHandler serves the OpenAPI document with the base path and OIDC issuer
// filled in.
func SpecHandler(basePath, oktaIssuer string) echo.HandlerFunc {
	spec := strings.NewReplacer("{basePath}", basePath, "{oktaIssuer}", oktaIssuer).Replace(openAPISpec)
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
	}
}
