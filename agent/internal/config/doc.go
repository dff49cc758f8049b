// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent} — the `agent:` section parsed from YAML; other top-level
//     keys (e.g. `server:`) are ignored
//   - AgentConfig — agent_id, server_endpoint, scrape_interval, ship_interval,
//     log_level, sources [], server_auth
//   - Source — id, type (otelcol|prometheus|loki|fluentbit|http), endpoint, auth, tls
//   - AuthConfig — mode (mtls|apikey|bearer|basic|none), cert/key/ca files,
//     header, key_env, token_env, username, password_env
//
// Load(path) reads the YAML file, applies defaults (30s scrape, 15s ship,
// info logging), then validates required fields and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It re-adds the watch after each
// event so the rename→create pattern of atomic-save editors keeps working.
package config
