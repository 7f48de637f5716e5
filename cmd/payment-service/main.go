package main

import (
	"log"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/app"
	"droneFoodDelivery/internal/clients"
	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/handlers"
	"droneFoodDelivery/internal/payments"
	"droneFoodDelivery/repository"
)

func main() {
	rt, err := app.Bootstrap("payment-service", db.SchemaPayments)
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

	var gateways []payments.Gateway
	if cfg.Payments.SandboxSecret != "" {
		g, err := payments.NewSandboxGateway(payments.SandboxConfig{BaseURL: cfg.Payments.SandboxURL, Secret: cfg.Payments.SandboxSecret})
		if err != nil {
			rt.Logger.Fatal("sandbox gateway", zap.Error(err))
		}
		gateways = append(gateways, g)
	}
	if cfg.Payments.StripeSecretKey != "" {
		g, err := payments.NewStripeGateway(payments.StripeConfig{
			SecretKey:     cfg.Payments.StripeSecretKey,
			WebhookSecret: cfg.Payments.StripeWebhookSecret,
		})
		if err != nil {
			rt.Logger.Fatal("stripe gateway", zap.Error(err))
		}
		gateways = append(gateways, g)
	}
	if len(gateways) == 0 {
		rt.Logger.Fatal("no payment gateway configured; set PAYMENTS_SANDBOX_SECRET or PAYMENTS_STRIPE_SECRET_KEY")
	}

	orderClient, err := clients.NewOrderClient(rt.ClientOptions(cfg.Upstream.OrderServiceURL))
	if err != nil {
		rt.Logger.Fatal("order client", zap.Error(err))
	}
	svc, err := payments.NewService(payments.Deps{
		Payments:  repository.NewPaymentRepository(rt.DB),
		Orders:    orderClient,
		Gateways:  gateways,
		Events:    rt.Events,
		Logger:    rt.Logger,
		TTL:       cfg.Payments.TTL,
		ReturnURL: cfg.Payments.ReturnURL,
	})
	if err != nil {
		rt.Logger.Fatal("payment service", zap.Error(err))
	}

	if err := rt.Serve(handlers.NewPaymentHandlers(cfg.Auth.JWTSecret, svc).Routes); err != nil {
		rt.Logger.Error("serve", zap.Error(err))
	}
}
