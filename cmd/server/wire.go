package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/warp/payment-reconciler/config"
	"github.com/warp/payment-reconciler/gateway"
	"github.com/warp/payment-reconciler/gateway/flutterwave"
	"github.com/warp/payment-reconciler/gateway/momo"
	"github.com/warp/payment-reconciler/gateway/monnify"
	"github.com/warp/payment-reconciler/gateway/paystack"
	"github.com/warp/payment-reconciler/generic"
	"github.com/warp/payment-reconciler/metrics"
	"github.com/warp/payment-reconciler/notify"
	"github.com/warp/payment-reconciler/reconcile"
)

// observed is implemented by every adapter with an outbound client.
type observed interface {
	Client() *gateway.Client
}

// buildRegistry creates an adapter for every enabled gateway.
func buildRegistry(cfg config.GatewaysConfig, m *metrics.Metrics) *gateway.Registry {
	reg := gateway.NewRegistry()
	for name, g := range cfg.Enabled() {
		var a gateway.Adapter
		switch name {
		case flutterwave.Name:
			a = flutterwave.New(flutterwave.Config{
				BaseURL:       g.BaseURL,
				SecretKey:     g.SecretKey,
				WebhookSecret: g.WebhookSecret,
				Timeout:       g.Timeout,
			})
		case paystack.Name:
			a = paystack.New(paystack.Config{
				BaseURL:       g.BaseURL,
				SecretKey:     g.SecretKey,
				PreferredBank: g.PreferredBank,
				Timeout:       g.Timeout,
			})
		case monnify.Name:
			a = monnify.New(monnify.Config{
				BaseURL:      g.BaseURL,
				APIKey:       g.APIKey,
				SecretKey:    g.SecretKey,
				ContractCode: g.ContractCode,
				Timeout:      g.Timeout,
			})
		case momo.Name:
			a = momo.New(momo.Config{
				BaseURL:         g.BaseURL,
				SubscriptionKey: g.SubscriptionKey,
				APIToken:        g.APIToken,
				CallbackSecret:  g.WebhookSecret,
				CallbackURL:     g.CallbackURL,
				Environment:     g.Environment,
				Timeout:         g.Timeout,
			})
		default:
			continue
		}
		if o, ok := a.(observed); ok && m != nil {
			o.Client().Observe = m.ObserveGatewayCall
		}
		reg.Register(a)
	}
	return reg
}

func buildLocker(cfg config.LockConfig, logger *slog.Logger) (reconcile.Locker, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return reconcile.NewRedisLocker(client, cfg.TTL, logger), func() { client.Close() }, nil
	case "memory", "":
		return reconcile.NewKeyedMutex(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

func buildNotifier(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	switch cfg.Backend {
	case "sqs":
		return notify.NewSQSNotifier(ctx, notify.SQSConfig{
			QueueURL: cfg.QueueURL,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		}, logger)
	case "log", "":
		return notify.LogNotifier{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Backend)
	}
}

// buildEngine wires the engine around an already-open store. The returned
// cleanup releases the lock backend.
func buildEngine(ctx context.Context, cfg *config.Config, store generic.TxStore, m *metrics.Metrics, logger *slog.Logger) (*reconcile.Engine, func(), error) {
	locker, closeLocker, err := buildLocker(cfg.Lock, logger)
	if err != nil {
		return nil, nil, err
	}
	notifier, err := buildNotifier(ctx, cfg.Notify, logger)
	if err != nil {
		closeLocker()
		return nil, nil, err
	}

	engine := reconcile.NewEngine(store, buildRegistry(cfg.Gateways, m),
		reconcile.WithLocker(locker),
		reconcile.WithNotifier(notifier),
		reconcile.WithMetrics(m),
		reconcile.WithPendingTTL(cfg.Reconciliation.PendingTTL),
		reconcile.WithLogger(logger),
	)
	return engine, closeLocker, nil
}
