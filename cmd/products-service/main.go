package main

import (
	"log"

	"gokart/internal/products/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("products service failed: %v", err)
	}
}
