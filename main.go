package main

import "github.com/drivelinehq/driveline/cli"

func main() {
	cli.Execute()
}
