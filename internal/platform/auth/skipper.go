package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are reachable without a token.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// PublicSkipper skips authentication for health probes.
func PublicSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
