package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkflow/funcrt/internal/feed"
	"github.com/linkflow/funcrt/internal/store"
)

func newFeedCommand(a *app) *cobra.Command {
	var (
		iface    string
		interval time.Duration
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Publish host metric snapshots to the input key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sc := a.storeConfig()
			gateway, err := store.Open(ctx, sc)
			if err != nil {
				return startupErr(err)
			}
			defer gateway.Close()

			p := feed.NewPublisher(feed.Config{
				Gateway:  gateway,
				Key:      a.inputKey(),
				Sampler:  &feed.HostSampler{Interface: iface},
				Interval: interval,
				Logger:   a.logger,
			})
			if once {
				return p.PublishOnce(ctx)
			}
			return p.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&iface, "interface", feed.DefaultInterface, "network interface to report")
	cmd.Flags().DurationVar(&interval, "every", 5*time.Second, "publish interval")
	cmd.Flags().BoolVar(&once, "once", false, "publish a single snapshot and exit")
	return cmd
}
