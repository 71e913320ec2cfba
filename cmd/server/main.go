package main

import (
	"log"

	"realtime-wallet/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		log.Fatal("error creating an application instance: ", err)
	}

	if err := a.Run(); err != nil {
		log.Fatal("application startup error: ", err)
	}
}
