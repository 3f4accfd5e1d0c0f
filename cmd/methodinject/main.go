package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/PatchLens/go-method-injector/inject"
	"github.com/PatchLens/go-method-injector/inject/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseFlags(nil) // no custom flags for the standard binary
	if err != nil {
		log.Fatalf("%s%v", inject.ErrorLogPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = inject.NewInjectionEngine(config).Run(ctx)
	stop()
	if err != nil {
		log.Fatalf("%s%v", inject.ErrorLogPrefix, err)
	}
}
