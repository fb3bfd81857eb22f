package main

import (
	"github.com/veska-bio/loom/internal/server"
	"github.com/veska-bio/loom/internal/util"
	"github.com/veska-bio/loom/pkg/logger"
	"github.com/veska-bio/loom/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
