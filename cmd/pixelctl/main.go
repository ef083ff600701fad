package main

import (
	"log"

	"github.com/austindbirch/pier39_pixel/cmd/pixelctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
