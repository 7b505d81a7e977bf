package main

import (
	"log"

	"github.com/bobuhiro11/govmx/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
