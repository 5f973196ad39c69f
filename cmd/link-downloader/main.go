package main

import (
	"go-link-downloader/cmd/link-downloader/cmd"
)

func main() {
	cmd.Execute()
}
