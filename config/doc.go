// Package config loads the TOML configuration of ipcctl and maps it onto the
// plain configuration structs of the server, client, proxy and discovery
// packages.
package config
