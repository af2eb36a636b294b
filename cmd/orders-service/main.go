package main

import (
	"log"

	"gokart/internal/orders/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("orders service failed: %v", err)
	}
}
