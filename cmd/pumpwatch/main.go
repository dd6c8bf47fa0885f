package main

import "pumpwatch/internal/cli"

func main() {
	cli.Execute()
}
