package main

import (
	"os"

	jww "github.com/spf13/jwalterweatherman"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		jww.ERROR.Printf("%v", err)
		os.Exit(1)
	}
}
