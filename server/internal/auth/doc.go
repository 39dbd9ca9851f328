// Package auth provides authentication middleware for the collector's HTTP API.
//
// APIKeyMiddleware(mode, header, key, next) validates the API key carried in
// the named request header. When mode != "apikey" or key == "", all requests
// pass through, which suits local development. A missing or incorrect key is
// answered with 401 before next runs.
package auth
