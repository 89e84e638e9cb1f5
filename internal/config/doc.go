// Package config loads the server and license manager configuration.
//
// Values are layered, highest priority first:
//
//  1. DLICENSE_* environment variables (a .env file is loaded first when present)
//  2. the YAML config file (DLICENSE_CONFIG_FILE, ./config.yaml or ./configs/config.yaml)
//  3. Default()
//
// Nested sections map to prefixed variables:
//
//	DLICENSE_SERVER_PORT=8080
//	DLICENSE_LICENSE_STORAGE_DIR=/var/lib/dlicense
//	DLICENSE_LICENSE_CODE=AUTO
//	DLICENSE_LICENSE_ARCHIVE_BACKEND=sqlite
//	DLICENSE_OTEL_TRACE_EXPORTER=stdout
package config
