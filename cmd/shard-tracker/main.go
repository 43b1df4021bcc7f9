package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/mycelian/shardtracker/trackerservice"
)

func main() {
	if err := trackerservice.Run(); err != nil {
		log.Error().Err(err).Msg("shard-tracker exited with error")
		os.Exit(1)
	}
}
