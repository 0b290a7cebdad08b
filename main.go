package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ocpp_node/actions"
	"ocpp_node/adapter"
	"ocpp_node/api"
	"ocpp_node/config"
	"ocpp_node/frame"
	"ocpp_node/netpath"
	notifier "ocpp_node/notifier/nats"
	"ocpp_node/signature"
	"ocpp_node/transport"
)

const (
	defaultHeartbeatInterval = 600
)

const (
	RESET                     = "reset"
	CLEAR_CACHE               = "clear.cache"
	CHANGE_AVAILABILITY       = "change.availability"
	UNLOCK_CONNECTOR          = "unlock.connector"
	REQUEST_START_TRANSACTION = "request.start.transaction"
	REQUEST_STOP_TRANSACTION  = "request.stop.transaction"
	SEND                      = "send"
)

var log *logrus.Logger

var rootCmd = &cobra.Command{
	Use:   "ocpp-node",
	Short: "OCPP 2.x node: CSMS, networking node or charging station.",
	Long: `ocpp-node correlates OCPP requests with their answers and routes messages ` +
		`across networking nodes. Run it as a CSMS (no upstream), as a networking ` +
		`node (listening and with an upstream) or inspect a running node.`,
	SilenceUsage: true,
}

var (
	envFile  string
	flagCfg  config.Config
	statusTo string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [address]",
	Short: "Print the status of a running node",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusTo
		if len(args) == 1 {
			addr = args[0]
		}
		res, sr, err := api.Status(addr)
		if err != nil {
			return err
		}
		if res.IsError() {
			return fmt.Errorf("status request failed: %v", res.Status())
		}
		bt, _ := json.MarshalIndent(sr.Body, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(bt))
		return nil
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a CSMS, a networking node and two stations in memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := simulate(cmd.Context(), logrus.NewEntry(log))
		for _, l := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return err
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.NodeID = flagCfg.NodeID
	}
	if flags.Changed("port") {
		cfg.ListenPort = flagCfg.ListenPort
	}
	if flags.Changed("upstream") {
		cfg.UpstreamURL = flagCfg.UpstreamURL
	}
	if flags.Changed("upstream-id") {
		cfg.UpstreamID = flagCfg.UpstreamID
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout = flagCfg.RequestTimeout
	}
	if flags.Changed("nats") {
		cfg.NatsURL = flagCfg.NatsURL
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = flagCfg.StatusAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagCfg.LogLevel
	}
	return cfg, cfg.Validate()
}

func setupTls(cfg config.Config) (*tls.Config, error) {
	var certPool *x509.CertPool
	// Load CA certificates
	if cfg.CACertificatePath == "" {
		log.Infof("no CA certificate configured, using system CA pool")
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("couldn't get system CA pool: %w", err)
		}
		certPool = systemPool
	} else {
		certPool = x509.NewCertPool()
		data, err := os.ReadFile(cfg.CACertificatePath)
		if err != nil {
			return nil, fmt.Errorf("couldn't read CA certificate from %v: %w", cfg.CACertificatePath, err)
		}
		if !certPool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("couldn't read CA certificate from %v", cfg.CACertificatePath)
		}
	}
	return &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  certPool,
	}, nil
}

// setupPolicy signs every outgoing payload with the node's key when one is configured.
func setupPolicy(cfg config.Config) (*signature.Policy, error) {
	if cfg.SigningKeyPath == "" {
		return nil, nil
	}
	signer, err := signature.LoadSigner(cfg.NodeID, cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}
	verifier, err := signature.VerifierFor(signer)
	if err != nil {
		return nil, err
	}
	return signature.NewPolicy(
		signature.WithSigner(signer),
		signature.WithTrustedKey(verifier, cfg.NodeID),
		signature.WithRule(signature.Rule{Action: "*", SignWith: []string{signer.KeyID()}}),
	)
}

func serve(ctx context.Context, cfg config.Config) error {
	log.SetLevel(cfg.Level())
	self := netpath.NodeID(cfg.NodeID)
	entry := logrus.NewEntry(log)

	policy, err := setupPolicy(cfg)
	if err != nil {
		return err
	}
	nodeOpts := []adapter.Option{
		adapter.WithLogger(entry),
		adapter.WithDefaultTimeout(cfg.RequestTimeout),
		adapter.WithPolicy(policy),
	}
	if cfg.UpstreamURL != "" {
		nodeOpts = append(nodeOpts, adapter.WithUpstream(netpath.NodeID(cfg.UpstreamID)))
	}
	node := adapter.New(self, nodeOpts...)

	csHandler := NewCentralSystemHandler()
	if cfg.UpstreamURL == "" {
		csHandler.Register(node)
	}

	serverOpts := []transport.ServerOption{
		transport.WithServerLogger(entry),
		transport.WithConnectHandlers(csHandler.Connected, csHandler.Disconnected),
	}
	if cfg.TLS {
		tlsConfig, err := setupTls(cfg)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, transport.WithServerTLS(cfg.ServerCertificatePath, cfg.ServerCertificateKeyPath, tlsConfig))
	}
	server := transport.NewServer(node, serverOpts...)

	var upstream transport.Link
	var client *transport.Client
	if cfg.UpstreamURL != "" {
		format := frame.FormatEnvelope
		if cfg.UpstreamPlain {
			format = frame.FormatOCPPJ
		}
		client = transport.NewClient(netpath.NodeID(cfg.UpstreamID), node, format, entry, func(err error) {
			node.FailPending(fmt.Errorf("upstream lost: %w", err))
		})
		upstream = client
	}
	node.SetSender(transport.NewMux(upstream, server))

	ocppj.SetLogger(log)

	natsNotifier := notifier.New(cfg.NatsURL)
	natsNotifier.SetChannel(csHandler.NotificationChannel())
	natsNotifier.SetTimeout(cfg.RequestTimeout + 5*time.Second)
	nodeActions := actions.InitializeNodeActions(node)
	natsNotifier.AddHandler(RESET, nodeActions.Reset)
	natsNotifier.AddHandler(CLEAR_CACHE, nodeActions.ClearCache)
	natsNotifier.AddHandler(CHANGE_AVAILABILITY, nodeActions.ChangeAvailability)
	natsNotifier.AddHandler(UNLOCK_CONNECTOR, nodeActions.UnlockConnector)
	natsNotifier.AddHandler(REQUEST_START_TRANSACTION, nodeActions.RequestStartTransaction)
	natsNotifier.AddHandler(REQUEST_STOP_TRANSACTION, nodeActions.RequestStopTransaction)
	natsNotifier.AddHandler(SEND, nodeActions.Send)
	if cfg.NatsURL != "" {
		if err := natsNotifier.Start(); err != nil {
			return err
		}
		defer natsNotifier.Stop()
		node.Observe(natsNotifier.Observe)
		log.Infof("waiting up to %v for command answers", natsNotifier.Timeout())
	}

	status := api.NewServer(node, server.Peers, entry)
	if cfg.StatusAddr != "" {
		go func() {
			if err := status.ListenAndServe(cfg.StatusAddr); err != nil {
				log.Errorf("status api stopped: %v", err)
			}
		}()
	}

	go server.Start(cfg.ListenPort, cfg.ListenPath)
	if client != nil {
		if err := client.Start(cfg.UpstreamURL, self); err != nil {
			server.Stop()
			return fmt.Errorf("couldn't connect to upstream %v: %w", cfg.UpstreamURL, err)
		}
	}
	log.Infof("node %v running", self)

	<-ctx.Done()
	log.Info("stopping node")
	if client != nil {
		client.Stop()
	}
	server.Stop()
	node.FailPending(transport.ErrStopped)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = status.Shutdown(shutdownCtx)
	log.Info("stopped node")
	return nil
}

func init() {
	log = logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	// Set this to DebugLevel if you want to retrieve verbose logs from the ocppj and websocket layers
	log.SetLevel(logrus.InfoLevel)

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load settings from this .env file")

	f := serveCmd.Flags()
	f.StringVar(&flagCfg.NodeID, "id", "", "identity of this node (NODE_ID)")
	f.IntVar(&flagCfg.ListenPort, "port", 8887, "websocket listen port (SERVER_LISTEN_PORT)")
	f.StringVar(&flagCfg.UpstreamURL, "upstream", "", "websocket url of the upstream node (UPSTREAM_URL)")
	f.StringVar(&flagCfg.UpstreamID, "upstream-id", "", "identity of the upstream node (UPSTREAM_ID)")
	f.DurationVar(&flagCfg.RequestTimeout, "timeout", adapter.DefaultTimeout, "default request timeout (REQUEST_TIMEOUT)")
	f.StringVar(&flagCfg.NatsURL, "nats", "", "NATS server for events and commands (NATS_URL)")
	f.StringVar(&flagCfg.StatusAddr, "status-addr", ":8080", "status api listen address, empty to disable (STATUS_LISTEN_ADDR)")
	f.StringVar(&flagCfg.LogLevel, "log-level", "info", "log level (LOG_LEVEL)")

	statusCmd.Flags().StringVar(&statusTo, "addr", "http://127.0.0.1:8080", "status api of the node")

	rootCmd.AddCommand(serveCmd, statusCmd, simulateCmd)
}

// Start function
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
