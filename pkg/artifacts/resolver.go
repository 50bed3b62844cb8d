// Package artifacts resolves stored plugin source keys into URLs the build
// server can download.
package artifacts

import (
	"context"
	"fmt"
	"strings"
)

// Resolver turns a stored artifact key into a downloadable URL.
type Resolver interface {
	ResolveURL(ctx context.Context, key string) (string, error)
}

// StaticResolver prefixes keys with a fixed base URL. Used when the object
// store fronts its bucket with a public or CDN host.
type StaticResolver struct {
	baseURL string
}

// NewStaticResolver builds a resolver rooted at baseURL.
func NewStaticResolver(baseURL string) *StaticResolver {
	return &StaticResolver{baseURL: strings.TrimRight(baseURL, "/")}
}

// ResolveURL joins the base URL and the key.
func (r *StaticResolver) ResolveURL(_ context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty artifact key")
	}
	return r.baseURL + "/" + strings.TrimLeft(key, "/"), nil
}
