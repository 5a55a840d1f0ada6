package main

import (
	"otelms-scraper/cmd/otelms-cli/commands"
	"otelms-scraper/lib/util/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
