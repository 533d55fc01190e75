package server

import (
	"context"

	"RelayGuard/internal/conf"
	"RelayGuard/internal/server/middleware"
	"RelayGuard/internal/service"
	pkglog "RelayGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, gateway *service.GatewayService, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Auth(logHelper),
			middleware.Logging(logHelper),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	registerGatewayRoutes(srv, gateway)

	return srv
}

// handleBody adapts a service method to a JSON-body route, mirroring the
// shape of protoc-generated HTTP handlers so server middleware applies.
func handleBody[Req any, Reply any](operation string, fn func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return fn(c, req.(*Req))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

// handleQuery adapts a service method to a route that binds query string and
// path variables instead of a body.
func handleQuery[Req any, Reply any](operation string, fn func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if err := ctx.BindQuery(&in); err != nil {
			return err
		}
		if err := ctx.BindVars(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return fn(c, req.(*Req))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func registerGatewayRoutes(srv *http.Server, s *service.GatewayService) {
	root := srv.Route("/")
	root.GET("/healthz", handleQuery("/relayguard.v1.Gateway/Healthz", s.Healthz))

	r := srv.Route("/v1")

	r.POST("/admission/try", handleBody("/relayguard.v1.Gateway/TryAdmit", s.TryAdmit))
	r.POST("/admission/release", handleBody("/relayguard.v1.Gateway/Release", s.Release))
	r.GET("/admission/active", handleQuery("/relayguard.v1.Gateway/ActiveSessions", s.ActiveSessions))

	r.POST("/cost/track", handleBody("/relayguard.v1.Gateway/TrackCost", s.TrackCost))
	r.GET("/cost", handleQuery("/relayguard.v1.Gateway/ReadCost", s.ReadCost))

	r.POST("/lease/decrement", handleBody("/relayguard.v1.Gateway/DecrementLease", s.DecrementLease))
	r.GET("/lease/remaining", handleQuery("/relayguard.v1.Gateway/LeaseRemaining", s.LeaseRemaining))
	r.GET("/lease/shared", handleQuery("/relayguard.v1.Gateway/LeaseShared", s.LeaseShared))

	r.GET("/breaker/open", handleQuery("/relayguard.v1.Gateway/CheckBreaker", s.CheckBreaker))
	r.POST("/breaker/outcome", handleBody("/relayguard.v1.Gateway/ReportOutcome", s.ReportOutcome))
	r.GET("/breaker/health", handleQuery("/relayguard.v1.Gateway/BreakerHealth", s.BreakerHealth))
	r.POST("/breaker/reset", handleBody("/relayguard.v1.Gateway/ResetBreaker", s.ResetBreaker))
	r.POST("/breaker/invalidate", handleBody("/relayguard.v1.Gateway/InvalidateBreakerConfig", s.InvalidateBreakerConfig))

	r.GET("/providers/{providerId}/endpoints", handleQuery("/relayguard.v1.Gateway/RankEndpoints", s.RankEndpoints))
	r.GET("/providers/{providerId}/endpoints/best", handleQuery("/relayguard.v1.Gateway/PickEndpoint", s.PickEndpoint))
}
