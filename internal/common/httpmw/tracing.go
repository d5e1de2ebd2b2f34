package httpmw

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/codervisor/clawden/internal/common/tracing"
)

// untracedRoutes are polled by supervisors and would drown the fleet spans.
var untracedRoutes = map[string]bool{
	"/health": true,
}

// OtelTracing opens one span per control-plane request. Spans for agent
// routes carry the agent id so they join the lifecycle spans for the same
// instance.
func OtelTracing(serverName string) gin.HandlerFunc {
	tracer := tracing.Tracer(serverName)

	return func(c *gin.Context) {
		route := c.FullPath()
		if untracedRoutes[route] {
			c.Next()
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), spanName(c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPResponseStatusCodeKey.Int(status),
		)
		if route != "" {
			span.SetAttributes(semconv.HTTPRouteKey.String(route))
		}
		if id := c.Param("id"); id != "" {
			span.SetAttributes(attribute.String("clawden.agent_id", id))
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// spanName uses the route template so /agents/a1 and /agents/a2 share a name.
// Requests that matched no route collapse into one name.
func spanName(method, route string) string {
	if route == "" {
		return method + " unmatched"
	}
	return fmt.Sprintf("%s %s", method, route)
}
