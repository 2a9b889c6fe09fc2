package main

import (
	"context"

	"novelfetch/cmd/novelfetch/commands"
	"novelfetch/lib/serviceutil"
)

func main() {
	ctx, stop := serviceutil.SignalContext(context.Background())
	defer stop()
	commands.ExecuteContext(ctx)
}
