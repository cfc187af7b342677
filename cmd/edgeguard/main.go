package main

import (
	"edgeguard/internal/app"

	"github.com/charmbracelet/log"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal("edgeguard terminated", "error", err)
	}
}
