package relay

import (
	"context"

	usagedomain "github.com/smallbiznis/tokengate/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("relay",
	fx.Provide(
		NewPublisher,
		func(p *Publisher) usagedomain.EventPublisher { return p },
		NewConsumer,
	),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, consumer *Consumer) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go consumer.Run(runCtx)
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
}
