// Package config handles configuration loading for the stazy chat client.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from STAZY_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/stazy/chat.toml
//  3. ~/.config/stazy/chat.toml
//
// TOML is the default format; a file ending in .yaml or .yml is read as YAML
// with the same keys.
//
// # Environment Variable Expansion
//
//	[auth]
//	token = "${STAZY_TOKEN}"
//
// # Example
//
//	[server]
//	base_url = "http://localhost:8080"
//	# websocket_url = "ws://localhost:8080/ws/chat/websocket"
//
//	[auth]
//	token_file = "${HOME}/.config/stazy/token"
//
//	[transport]
//	connect_timeout = "10s"
//	reconnect_delay = "5s"
//	idle_grace = "30s"
//	echo_ttl = "2m"
//
//	[api]
//	request_timeout = "15s"
//	requests_per_second = 5
//	breaker_failures = 5
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//	format = "text"  # text, json
//
//	[metrics]
//	enabled = false
//	addr = "127.0.0.1:9464"
//	path = "/metrics"
package config
