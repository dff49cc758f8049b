// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - GRPCPort        — port for the gRPC ingest receiver (default 50051)
//   - HTTPPort        — port for the REST API and stream hub (default 8080)
//   - LogLevel        — debug | info | warn | error (default info)
//   - Auth.Mode       — "apikey" or "none"
//   - Auth.KeyEnv     — environment variable holding the expected API key
//   - Auth.Header     — metadata key / HTTP header name (default "x-api-key")
//   - Series.TTL      — how long a series stays live after its last update (default 5m)
//   - Stream.Interval — how often the change stream is pushed (default 5s)
//   - Alerts          — threshold rules and webhook targets
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
