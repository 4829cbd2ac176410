package main

import "github.com/nghyane/samba-mux/internal/cli"

func main() {
	cli.Execute()
}
