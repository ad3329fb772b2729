package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "lightspeed-live",
	Level: hclog.LevelFromString("DEBUG"),
})

// Version is reported to clients and used to group connections for connection.reload broadcasts.
var Version = "dev"
