package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "spark-rtm",
	Level: hclog.LevelFromString("INFO"),
})
