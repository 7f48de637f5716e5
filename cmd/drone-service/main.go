package main

import (
	"log"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/app"
	"droneFoodDelivery/internal/clients"
	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/drones"
	"droneFoodDelivery/internal/handlers"
	"droneFoodDelivery/repository"
)

func main() {
	rt, err := app.Bootstrap("drone-service", db.SchemaDrones)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()
	cfg := rt.Config
	if ran, err := rt.Maintenance(); ran {
		if err != nil {
			rt.Logger.Error("maintenance", zap.Error(err))
		}
		return
	}

	orderClient, err := clients.NewOrderClient(rt.ClientOptions(cfg.Upstream.OrderServiceURL))
	if err != nil {
		rt.Logger.Fatal("order client", zap.Error(err))
	}
	svc, err := drones.NewService(drones.Deps{
		Drones:   repository.NewDroneRepository(rt.DB),
		Missions: repository.NewMissionRepository(rt.DB),
		Sequence: repository.NewMissionSequence(rt.DB),
		Orders:   orderClient,
		Events:   rt.Events,
		Logger:   rt.Logger,
		Location: cfg.Location(),
	})
	if err != nil {
		rt.Logger.Fatal("drone service", zap.Error(err))
	}

	if err := rt.Serve(handlers.NewDroneHandlers(cfg.Auth.JWTSecret, svc).Routes); err != nil {
		rt.Logger.Error("serve", zap.Error(err))
	}
}
