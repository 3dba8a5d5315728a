package main

import "geo-photo-backend/cmd"

func main() {
	cmd.Run()
}
