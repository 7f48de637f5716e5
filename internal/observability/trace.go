package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "droneFoodDelivery"

// Tracer returns the tracer used for saga and orchestration spans. Without a configured
// provider the global no-op tracer is used.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
