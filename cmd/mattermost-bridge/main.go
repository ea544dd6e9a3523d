// Copyright 2024-2026 Aiku AI

// Command mattermost-bridge relays messages, edits, reactions and deletions
// between Matrix rooms and Mattermost channels on top of the mautrix bridgev2
// framework.
package main

import (
	"github.com/joho/godotenv"
	"maunium.net/go/mautrix/bridgev2/matrix/mxmain"

	"github.com/aiku/mattermost-bridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var m = mxmain.BridgeMain{
	Name:        "mattermost-bridge",
	URL:         "https://github.com/aiku/mattermost-bridge",
	Description: "A Matrix-Mattermost bridge",
	Version:     "0.2.0",

	Connector: &connector.MattermostConnector{},
}

func main() {
	// A local .env may carry config overrides for the env_config_prefix
	// variables. It is optional.
	_ = godotenv.Load()
	m.InitVersion(Tag, Commit, BuildTime)
	m.Run()
}
