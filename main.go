package main

import "github.com/audiolibrelab/podcastcapture/cmd"

func main() {
	cmd.Execute()
}
