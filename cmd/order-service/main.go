package main

import (
	"log"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/app"
	"droneFoodDelivery/internal/clients"
	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/handlers"
	"droneFoodDelivery/internal/orders"
	"droneFoodDelivery/repository"
)

func main() {
	rt, err := app.Bootstrap("order-service", db.SchemaOrders)
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

	paymentClient, err := clients.NewPaymentClient(rt.ClientOptions(cfg.Upstream.PaymentServiceURL))
	if err != nil {
		rt.Logger.Fatal("payment client", zap.Error(err))
	}
	svc, err := orders.NewService(orders.Deps{
		Orders:             repository.NewOrderRepository(rt.DB),
		Sequence:           repository.NewOrderSequence(rt.DB),
		Payments:           paymentClient,
		Events:             rt.Events,
		Logger:             rt.Logger,
		DedupWindow:        cfg.Orders.DedupWindow,
		Location:           cfg.Location(),
		DefaultDeliveryFee: cfg.Orders.DefaultDeliveryFee,
		Currency:           cfg.Orders.Currency,
	})
	if err != nil {
		rt.Logger.Fatal("order service", zap.Error(err))
	}

	if err := rt.Serve(handlers.NewOrderHandlers(cfg.Auth.JWTSecret, svc).Routes); err != nil {
		rt.Logger.Error("serve", zap.Error(err))
	}
}
