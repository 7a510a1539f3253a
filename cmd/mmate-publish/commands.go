package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/health"
	"github.com/glimte/mmate-amqp/internal/config"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	verbose    bool
	clientOpts []mmate.ClientOption
}

// publishFlags mirror PublishBasic's exchange and publish options
type publishFlags struct {
	exchange    string
	kind        string
	durable     bool
	autoDelete  bool
	internal    bool
	passive     bool
	declare     bool
	routingKey  string
	mandatory   bool
	immediate   bool
	batch       bool
	headers     map[string]string
	contentType string
	messageID   string
	transient   bool
	expiration  time.Duration
}

func newRootCmd(clientOpts ...mmate.ClientOption) *cobra.Command {
	flags := &globalFlags{clientOpts: clientOpts}

	rootCmd := &cobra.Command{
		Use:   "mmate-publish",
		Short: "Publish messages to a RabbitMQ exchange",
		Long: `mmate-publish sends messages through the mmate-amqp publisher.
Connection settings come from a YAML file and MMATE_AMQP_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newPublishCmd(flags), newHealthCmd(flags))

	return rootCmd
}

func newPublishCmd(global *globalFlags) *cobra.Command {
	flags := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish [body]",
		Short: "Publish one message",
		Long:  "Publish one message. The body is read from stdin when omitted or given as '-'.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			client, err := newClient(global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			env := flags.envelope(body)
			opts := mmate.Options{
				Exchange: flags.exchangeOptions(),
				Publish: mmate.PublishOptions{
					Mandatory: flags.mandatory,
					Immediate: flags.immediate,
					Batch:     flags.batch,
				},
			}

			if err := client.PublishBasic(ctx, env, flags.routingKey, nil, opts); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s (%d bytes) to %q with routing key %q\n",
				env.Properties.MessageID, len(env.Body), flags.exchange, flags.routingKey)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.exchange, "exchange", "e", "", "Exchange name (empty for the default exchange)")
	f.StringVarP(&flags.kind, "kind", "k", string(contracts.KindDirect), "Exchange kind: direct, fanout, topic, headers or a plugin kind")
	f.BoolVar(&flags.durable, "durable", true, "Declare the exchange as durable")
	f.BoolVar(&flags.autoDelete, "auto-delete", false, "Declare the exchange as auto-delete")
	f.BoolVar(&flags.internal, "internal", false, "Declare the exchange as internal")
	f.BoolVar(&flags.passive, "passive", false, "Only verify that the exchange exists")
	f.BoolVar(&flags.declare, "declare", false, "Declare the exchange before publishing")
	f.StringVarP(&flags.routingKey, "routing-key", "r", "", "Routing key")
	f.BoolVar(&flags.mandatory, "mandatory", false, "Set the mandatory flag")
	f.BoolVar(&flags.immediate, "immediate", false, "Set the immediate flag")
	f.BoolVar(&flags.batch, "batch", false, "Publish through the channel batch")
	f.StringToStringVarP(&flags.headers, "header", "H", nil, "Message header as key=value (repeatable)")
	f.StringVar(&flags.contentType, "content-type", "text/plain", "Content type")
	f.StringVar(&flags.messageID, "message-id", "", "Message id (generated when empty)")
	f.BoolVar(&flags.transient, "transient", false, "Use transient delivery mode")
	f.DurationVar(&flags.expiration, "expiration", 0, "Per-message TTL")

	return cmd
}

func newHealthCmd(global *globalFlags) *cobra.Command {
	var (
		exchanges []string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(global, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer client.Close()

			registry := health.NewRegistry()
			registry.Register(health.NewConnectionChecker(client.Manager(), nil))
			for _, name := range exchanges {
				registry.Register(health.NewExchangeChecker(name, client.Manager()))
			}

			report := registry.Check(cmd.Context())
			if err := printReport(cmd.OutOrStdout(), report, asJSON); err != nil {
				return err
			}

			if report.Status != health.StatusHealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&exchanges, "exchange", nil, "Exchanges that must exist")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}

func newClient(global *globalFlags, logOut io.Writer) (*mmate.Client, error) {
	cfg, err := config.Load(global.configPath)
	if err != nil {
		return nil, err
	}
	if global.verbose {
		cfg.Logging.Level = "debug"
	}

	connCfg, err := cfg.ToConnectionConfig()
	if err != nil {
		return nil, err
	}

	opts := []mmate.ClientOption{
		mmate.WithLogger(cfg.NewLogger(logOut)),
		mmate.WithChannelID(cfg.Publisher.ChannelID),
	}
	opts = append(opts, global.clientOpts...)

	client, err := mmate.NewClient(connCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func readBody(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	body, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

func (f *publishFlags) exchangeOptions() []contracts.ExchangeOption {
	return []contracts.ExchangeOption{
		contracts.WithName(f.exchange),
		contracts.WithKind(contracts.Kind(f.kind)),
		contracts.WithDurable(f.durable),
		contracts.WithAutoDelete(f.autoDelete),
		contracts.WithInternal(f.internal),
		contracts.WithPassive(f.passive),
		contracts.WithDeclare(f.declare || f.passive),
	}
}

func (f *publishFlags) envelope(body []byte) contracts.Envelope {
	props := contracts.DefaultProperties()
	props.ContentType = f.contentType
	props.MessageID = f.messageID
	if props.MessageID == "" {
		props.MessageID = uuid.NewString()
	}
	if f.transient {
		props.DeliveryMode = contracts.Transient
	}
	if f.expiration > 0 {
		props.Expiration = fmt.Sprintf("%d", f.expiration.Milliseconds())
	}
	props.Timestamp = time.Now()
	props.AppID = "mmate-publish"

	if len(f.headers) > 0 {
		props.Headers = make(map[string]interface{}, len(f.headers))
		for k, v := range f.headers {
			props.Headers[k] = v
		}
	}

	return contracts.NewEnvelope(body, props)
}

func printReport(w io.Writer, report health.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Status: %s\n", strings.ToUpper(string(report.Status)))
	for _, check := range report.Checks {
		fmt.Fprintf(w, "  %-24s %-10s %s", check.Name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Fprintf(w, " (%s)", check.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}

