package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass session authentication.
var publicPaths = map[string]bool{
	"/health":                 true,
	"/metrics":                true,
	"/api/v1/session/patient": true,
	"/api/v1/session/doctor":  true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
// It matches on the route pattern, so it must run after routing.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
