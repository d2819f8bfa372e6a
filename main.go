package main

import (
	"github.com/strideclub/coach/backend"
)

func main() {
	backend.RunBackend()
}
