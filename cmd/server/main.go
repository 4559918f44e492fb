package main

import (
	"ppc-rules-engine/internal/app/server"
	"ppc-rules-engine/internal/config"
)

func main() {
	server.Run(config.Load())
}
