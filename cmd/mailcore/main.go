package main

import "github.com/busybox42/mailcore/cmd/mailcore/commands"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	commands.Execute(commands.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	})
}
