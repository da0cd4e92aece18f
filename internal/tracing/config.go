// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

// Config configures the tracer provider wired into the orchestrator and
// step handler dispatch loops.
type Config struct {
	// Enabled activates span export. When false, NewOTelProvider still
	// returns a working provider backed by a no-export tracer so callers
	// never need to nil-check it.
	Enabled bool

	// ServiceName identifies this deployment in exported spans.
	ServiceName string

	// ServiceVersion is the running build's version string.
	ServiceVersion string

	// Exporter is "none", "stdout", "otlp-grpc", or "otlp-http". Read only
	// when Enabled is true; NewOTelProvider treats "" the same as "none".
	Exporter string

	// Endpoint is the collector address, for Exporter "otlp-grpc"/"otlp-http".
	Endpoint string

	// Insecure skips TLS when dialing the collector — local/dev only.
	Insecure bool

	// Headers are sent with every OTLP export request (e.g. an ingest API
	// key), for Exporter "otlp-grpc"/"otlp-http".
	Headers map[string]string
}

// DefaultConfig returns tracing defaults: disabled, generic service name.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "workflow-runtime",
		ServiceVersion: "unknown",
		Exporter:       "none",
	}
}
