package main

import "market-quality-pipeline/internal/cli"

func main() {
	cli.Execute()
}
