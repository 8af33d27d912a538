package main

import "github.com/kozaktomas/polling-kiosk/cmd"

func main() {
	cmd.Execute()
}
