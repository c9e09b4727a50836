// Package telemetry installs the process-wide tracer provider.
package telemetry

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup installs a tracer provider exporting over OTLP/HTTP to endpoint. With
// an empty endpoint spans are recorded but never exported. The returned
// function flushes and stops the provider.
func Setup(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		var clientOpts []otlptracehttp.Option
		if strings.Contains(endpoint, "://") {
			clientOpts = append(clientOpts, otlptracehttp.WithEndpointURL(endpoint))
		} else {
			clientOpts = append(clientOpts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, errors.Wrap(err, "telemetry: otlp exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
		jww.INFO.Printf("telemetry exporting traces endpoint=%s service=%s", endpoint, serviceName)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
