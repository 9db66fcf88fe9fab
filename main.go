package main

import "github.com/Martian-dev/mailbridge/internal/app"

func main() {
	app.Execute()
}
