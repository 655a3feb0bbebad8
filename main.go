package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/turnon/deferred/local"
	"github.com/turnon/deferred/server"
)

func main() {
	fmt.Printf("pid: %d\n", os.Getpid())

	serverCfgFile := flag.String("s", "", "server config")
	anchorsFile := flag.String("a", "", "yaml anchors shared by the server config")
	localTarget := flag.String("l", "", "call a url or tube lines (bakerloo,jubilee) now and print the result")
	flag.Parse()

	if *serverCfgFile != "" {
		if err := server.Run(*serverCfgFile, *anchorsFile); err != nil {
			log.Fatal().Err(err).Send()
		}
		return
	}

	if *localTarget != "" {
		local.Run(*localTarget)
		return
	}

	flag.Usage()
	os.Exit(2)
}
