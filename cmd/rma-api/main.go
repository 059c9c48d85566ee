package main

import (
	"context"

	"github.com/pkg/errors"
)

func main() {
	a := mustBootstrapRMAAPI()
	defer a.Close()

	if err := a.Run(); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
