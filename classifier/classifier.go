// Package classifier decides which partition and strategy serve a request.
package classifier

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/saiset-co/sai-offline/types"
)

type Classifier struct {
	origin         string
	apiPrefix      string
	trustedOrigins map[string]struct{}
	imageExts      map[string]struct{}
	coreAssets     map[string]struct{}
}

func New(config *types.InterceptionConfig) (*Classifier, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	origin, err := normalizeOrigin(config.Origin)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		origin:         origin,
		apiPrefix:      config.APIPrefix,
		trustedOrigins: make(map[string]struct{}, len(config.TrustedImageOrigins)),
		imageExts:      make(map[string]struct{}, len(config.ImageExtensions)),
		coreAssets:     make(map[string]struct{}, len(config.CoreAssets)),
	}

	for _, trusted := range config.TrustedImageOrigins {
		o, err := normalizeOrigin(trusted)
		if err != nil {
			return nil, err
		}
		c.trustedOrigins[o] = struct{}{}
	}

	for _, ext := range config.ImageExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.imageExts[ext] = struct{}{}
	}

	for _, asset := range config.CoreAssets {
		c.coreAssets[asset] = struct{}{}
	}

	return c, nil
}

// Classify returns the route for req, or false when the request must pass
// through untouched. Rules apply in order; the first match wins.
func (c *Classifier) Classify(req *types.Request) (types.Route, bool) {
	if req == nil || req.URL == nil || !strings.EqualFold(req.Method, http.MethodGet) {
		return types.Route{}, false
	}

	sameOrigin := c.isSameOrigin(req.URL)
	reqPath := req.URL.Path
	if reqPath == "" {
		reqPath = "/"
	}

	if sameOrigin && (c.isImage(reqPath) || req.Destination == types.DestinationImage) {
		return types.Route{Role: types.RoleImages, Strategy: types.StrategyCacheFirst}, true
	}

	if sameOrigin && c.apiPrefix != "" && strings.HasPrefix(reqPath, c.apiPrefix) {
		return types.Route{Role: types.RoleAPI, Strategy: types.StrategyNetworkFirst}, true
	}

	if !sameOrigin {
		if _, trusted := c.trustedOrigins[originOf(req.URL)]; trusted {
			return types.Route{Role: types.RoleImages, Strategy: types.StrategyCacheFirst}, true
		}
		return types.Route{}, false
	}

	if _, core := c.coreAssets[reqPath]; core {
		return types.Route{Role: types.RoleCore, Strategy: types.StrategyStaleWhileRevalidate}, true
	}

	return types.Route{Role: types.RoleRuntime, Strategy: types.StrategyStaleWhileRevalidate}, true
}

func (c *Classifier) Origin() string {
	return c.origin
}

func (c *Classifier) isSameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return originOf(u) == c.origin
}

func (c *Classifier) isImage(p string) bool {
	_, ok := c.imageExts[strings.ToLower(path.Ext(p))]
	return ok
}

func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	return scheme + "://" + host
}

func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", types.Errorf(types.ErrConfigValidateFailed, "invalid origin %q", raw)
	}
	return originOf(u), nil
}
