package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/fanforge/socialcore/internal/account"
	v1 "github.com/fanforge/socialcore/internal/api/v1"
	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/publish"
)

func registerAPIRoutes(r chi.Router, accounts *account.Service, posts *publish.Service, events domain.EventRepository) {
	apiConfig := huma.DefaultConfig("SocialCore API", "1.0.0")
	apiConfig.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	api := humachi.New(r, apiConfig)

	v1.RegisterAccountRoutes(api, accounts)
	v1.RegisterPostRoutes(api, posts)
	v1.RegisterEventRoutes(api, events)
}
