package cmd

import (
	"fmt"
	"io"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
  __  __ _       _  ____    _    
 |  \/  (_)_ __ (_)/ ___|  / \   
 | |\/| | | '_ \| | |     / _ \  
 | |  | | | | | | | |___ / ___ \ 
 |_|  |_|_|_| |_|_|\____/_/   \_\
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Mini Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
