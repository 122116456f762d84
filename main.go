package main

import "imfree-backend/cmd"

func main() {
	cmd.Run()
}
