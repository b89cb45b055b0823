package main

import "github.com/phamanh/gemini-bridge/internal/cli"

func main() {
	cli.Execute()
}
