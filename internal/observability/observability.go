// Package observability configures process-wide structured logging.
//
// Logs always go to a local handler (stderr by default). With an OTLP endpoint configured,
// records are also exported through the OpenTelemetry log SDK.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// ScopeName is the instrumentation scope of exported records.
const ScopeName = "github.com/florianilch/ms365-auth"

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatOTel = "otel"

	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// ShutdownFunc flushes and stops exporters.
type ShutdownFunc func(context.Context) error

type settings struct {
	writer       io.Writer
	otlpEndpoint string
	otlpProtocol string
}

// Option configures Instrument.
type Option func(*settings)

// WithWriter sets the destination of local log output.
func WithWriter(w io.Writer) Option {
	return func(s *settings) {
		s.writer = w
	}
}

// WithOTLP exports records to endpoint using protocol ("http" or "grpc").
// An empty endpoint disables export.
func WithOTLP(endpoint, protocol string) Option {
	return func(s *settings) {
		s.otlpEndpoint = endpoint
		s.otlpProtocol = protocol
	}
}

// Instrument installs the default slog logger. The returned ShutdownFunc must be called
// before exit to flush pending exports.
func Instrument(ctx context.Context, level slog.Level, format string, opts ...Option) (ShutdownFunc, error) {
	s := settings{writer: os.Stderr, otlpProtocol: ProtocolHTTP}
	for _, opt := range opts {
		opt(&s)
	}

	var processors []sdklog.Processor

	var local slog.Handler
	switch format {
	case "", FormatText:
		local = slog.NewTextHandler(s.writer, &slog.HandlerOptions{Level: level})
	case FormatJSON:
		local = slog.NewJSONHandler(s.writer, &slog.HandlerOptions{Level: level})
	case FormatOTel:
		exporter, err := stdoutlog.New(stdoutlog.WithWriter(s.writer))
		if err != nil {
			return nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		processors = append(processors, minsev.NewLogProcessor(sdklog.NewSimpleProcessor(exporter), severity(level)))
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}

	if s.otlpEndpoint != "" {
		exporter, err := newOTLPExporter(ctx, s.otlpEndpoint, s.otlpProtocol)
		if err != nil {
			return nil, err
		}
		processors = append(processors, minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(level)))
	}

	if len(processors) == 0 {
		slog.SetDefault(slog.New(local))
		return func(context.Context) error { return nil }, nil
	}

	providerOpts := make([]sdklog.LoggerProviderOption, 0, len(processors))
	for _, p := range processors {
		providerOpts = append(providerOpts, sdklog.WithProcessor(p))
	}
	provider := sdklog.NewLoggerProvider(providerOpts...)
	global.SetLoggerProvider(provider)

	exported := otelslog.NewHandler(ScopeName, otelslog.WithLoggerProvider(provider))

	handler := slog.Handler(exported)
	if local != nil {
		handler = fanout{local, exported}
		// Exporter failures must not loop back into the exporting handler
		errLogger := slog.New(local)
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			errLogger.Warn("opentelemetry error", "error", err)
		}))
	}
	slog.SetDefault(slog.New(handler))

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, nil
}

func newOTLPExporter(ctx context.Context, endpoint, protocol string) (sdklog.Exporter, error) {
	switch protocol {
	case "", ProtocolHTTP:
		exporter, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating otlp http log exporter: %w", err)
		}
		return exporter, nil
	case ProtocolGRPC:
		exporter, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating otlp grpc log exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported otlp protocol: %s", protocol)
	}
}

// severity adapts a slog level to the minimum severity of a minsev processor.
// The offset matches the otelslog level conversion.
type severity slog.Level

func (l severity) Severity() log.Severity {
	return log.Severity(int(l) + 9)
}
