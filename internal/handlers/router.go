package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/harvest-market/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	groupCart     = "cart"
	groupPayments = "payments"
	groupOrders   = "orders"
	groupAdmin    = "admin"
	groupWebhooks = "webhooks"
	groupInternal = "internal"
)

// routeGroup describes one API surface. Groups with a prefix are mounted as sub-routers and
// may carry their own middleware; the others share the API root and list the paths that
// answer 501 until a registrar is supplied.
type routeGroup struct {
	name        string
	prefix      string
	stubPaths   []string
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

var routeGroupLayout = []routeGroup{
	{name: groupCart, stubPaths: []string{"/cart", "/cart-items", "/cart-items/{itemID}", "/carts/apply-coupon", "/carts/coupon"}},
	{name: groupPayments, stubPaths: []string{"/payment/initiate", "/payment/callback"}},
	{name: groupOrders, stubPaths: []string{"/orders", "/orders/{orderID}", "/orders/{orderID}/refund"}},
	{name: groupAdmin, prefix: "/admin"},
	{name: groupWebhooks, prefix: "/webhooks"},
	{name: groupInternal, prefix: "/internal"},
}

type routerConfig struct {
	basePath    string
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter builds the chi router: request id, real ip and timeout middleware, health probes
// at the root, and every API group under the optional base path.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(defaultTimeout)},
		groups:      make(map[string]*routeGroup, len(routeGroupLayout)),
	}
	for i := range routeGroupLayout {
		group := routeGroupLayout[i]
		cfg.groups[group.name] = &group
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.middlewares)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	mountAPI := func(api chi.Router) {
		for _, layout := range routeGroupLayout {
			cfg.groups[layout.name].mount(api)
		}
	}
	if cfg.basePath == "" {
		r.Group(mountAPI)
	} else {
		r.Route(cfg.basePath, mountAPI)
	}
	return r
}

func (g *routeGroup) mount(api chi.Router) {
	if g.prefix == "" {
		if g.registrar != nil {
			api.Group(func(sub chi.Router) { g.registrar(sub) })
			return
		}
		for _, path := range g.stubPaths {
			api.HandleFunc(path, notImplementedHandler(g.name))
		}
		return
	}
	api.Route(g.prefix, func(sub chi.Router) {
		useAll(sub, g.middlewares)
		if g.registrar != nil {
			g.registrar(sub)
			return
		}
		stub := notImplementedHandler(g.name)
		sub.HandleFunc("/", stub)
		sub.HandleFunc("/*", stub)
	})
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplementedHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
}

func withGroupRoutes(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[name].registrar = reg
	}
}

func withGroupMiddlewares(name string, mw []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		group := cfg.groups[name]
		group.middlewares = append(group.middlewares, mw...)
	}
}

// WithBasePath mounts every API group under prefix (for example "/api/v1"). Health probes
// stay at the root.
func WithBasePath(prefix string) Option {
	return func(cfg *routerConfig) {
		if prefix == "/" {
			prefix = ""
		}
		cfg.basePath = prefix
	}
}

// WithMiddlewares appends global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func WithCartRoutes(reg RouteRegistrar) Option     { return withGroupRoutes(groupCart, reg) }
func WithPaymentRoutes(reg RouteRegistrar) Option  { return withGroupRoutes(groupPayments, reg) }
func WithOrderRoutes(reg RouteRegistrar) Option    { return withGroupRoutes(groupOrders, reg) }
func WithAdminRoutes(reg RouteRegistrar) Option    { return withGroupRoutes(groupAdmin, reg) }
func WithWebhookRoutes(reg RouteRegistrar) Option  { return withGroupRoutes(groupWebhooks, reg) }
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupInternal, reg) }

// WithWebhookMiddlewares applies mw to the /webhooks group only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalMiddlewares applies mw to the /internal group only.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}
