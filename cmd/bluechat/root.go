package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/bluechat/internal/chat"
	"github.com/omochice/bluechat/internal/config"
	"github.com/omochice/bluechat/internal/transport"
	"github.com/omochice/bluechat/internal/transport/tcp"
	"github.com/omochice/bluechat/internal/transport/ws"
)

// options holds the global flags. Empty values leave the config file
// setting in place.
type options struct {
	cfgFile   string
	name      string
	listen    string
	transport string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "bluechat",
		Short: "Point-to-point chat between two peers",
		Long: `bluechat links two peers directly. One side listens, the other
connects to its address; once linked, every line typed is sent to the
peer. The link falls back to listening whenever it breaks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(*chat.Manager) {})
		},
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ~/.bluechat/config.yaml)")
	root.PersistentFlags().StringVar(&opts.name, "name", "", "display name sent to the peer")
	root.PersistentFlags().StringVar(&opts.listen, "listen", "", "address to accept peers on")
	root.PersistentFlags().StringVar(&opts.transport, "transport", "", "transport: tcp or ws")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newListenCmd(opts), newConnectCmd(opts))
	return root
}

func newListenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Wait for a peer to connect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(m *chat.Manager) { m.Start() })
		},
	}
}

func newConnectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <addr>",
		Short: "Connect to a listening peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(m *chat.Manager) {
				m.Connect(transport.Peer{Addr: args[0]})
			})
		},
	}
}

// loadConfig reads the config file and applies flag overrides.
func (o *options) loadConfig() (*config.Config, error) {
	path := o.cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if o.name != "" {
		cfg.Name = o.name
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.transport != "" {
		cfg.Transport = o.transport
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (o *options) run(cmd *cobra.Command, begin func(*chat.Manager)) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	m, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newSession(m, cmd.OutOrStdout())
	go s.printEvents()

	begin(m)
	return s.run(ctx, cmd.InOrStdin())
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func newManager(cfg *config.Config, logger *zap.Logger) (*chat.Manager, error) {
	serviceID, err := cfg.Service()
	if err != nil {
		return nil, err
	}

	local := transport.Peer{ID: uuid.NewString(), Name: cfg.Name}
	var t transport.Transport
	switch cfg.Transport {
	case config.TransportWebSocket:
		t = ws.New(cfg.Listen, local, ws.WithLogger(logger.Named("ws")))
	default:
		t = tcp.New(cfg.Listen, local, tcp.WithLogger(logger.Named("tcp")))
	}

	return chat.New(t,
		chat.WithLogger(logger.Named("chat")),
		chat.WithServiceID(serviceID),
	), nil
}
