package main

import "treasury-metrics/internal/cli"

func main() {
	cli.Execute()
}
