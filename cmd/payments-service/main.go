package main

import (
	"log"

	"gokart/internal/payments/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("payments service failed: %v", err)
	}
}
