package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	Demo DemoCmd `cmd:"" help:"Run an in-memory demo: a collection, a live query, and an optimistic transaction."`
}

func main() {
	ctx := kong.Parse(&cli, kong.Description("reactivedb: an in-process reactive collection engine."))
	ctx.FatalIfErrorf(ctx.Run())
}
