package main

import "driftsync.dev/cli"

func main() {
	cli.Execute()
}
