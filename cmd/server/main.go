package main

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/dmitrijs2005/tokenvault/internal/server"
	"github.com/dmitrijs2005/tokenvault/internal/server/config"
	"github.com/dmitrijs2005/tokenvault/internal/server/httpapi"
)

// devResolver is a development stand-in for the external identity provider.
// It accepts any non-empty credential pair and derives a display name from
// the email local part. Production deployments plug in a real resolver.
type devResolver struct{}

func (devResolver) Resolve(ctx context.Context, email, password string) (*httpapi.Identity, error) {
	if email == "" || password == "" {
		return nil, errors.New("missing credentials")
	}
	name, _, _ := strings.Cut(email, "@")
	return &httpapi.Identity{Email: email, Name: name}, nil
}

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := server.NewApp(ctx, cfg, devResolver{})

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
