package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	eventsource "github.com/sanity-io/eventsource"
)

var (
	tailHeaders         []string
	tailEvents          []string
	tailRetry           time.Duration
	tailHeartbeat       time.Duration
	tailLastEventID     string
	tailJSON            bool
	tailVerbose         bool
	tailWithCredentials bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringArrayVarP(&tailHeaders, "header", "H", nil, "extra request header (key: value), repeatable")
	tailCmd.Flags().StringArrayVarP(&tailEvents, "event", "e", nil, "additional event type to print, repeatable")
	tailCmd.Flags().DurationVar(&tailRetry, "retry", 0, "initial reconnect interval (e.g. 2s)")
	tailCmd.Flags().DurationVar(&tailHeartbeat, "heartbeat-timeout", 0, "inactivity window before reconnecting (e.g. 30s)")
	tailCmd.Flags().StringVar(&tailLastEventID, "last-event-id", "", "resume the stream from this event id")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "print events as JSON lines")
	tailCmd.Flags().BoolVarP(&tailVerbose, "verbose", "v", false, "log connection lifecycle to stderr")
	tailCmd.Flags().BoolVar(&tailWithCredentials, "with-credentials", false, "send cookies and HTTP auth with requests")
}

var tailCmd = &cobra.Command{
	Use:   "tail <url>",
	Short: "Stream events from an endpoint",
	Long:  "Connect to a text/event-stream endpoint and print events until interrupted.\nThe connection is re-established automatically after errors and stalls.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		opts, err := tailOptions(cmd, cfg)
		if err != nil {
			return err
		}

		logger := zerolog.Nop()
		if tailVerbose {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(zerolog.DebugLevel).
				With().Timestamp().Logger()
			opts = append(opts, eventsource.WithLogger(logger))
		}

		asJSON := tailJSON || (!cmd.Flags().Changed("json") && cfg.Output.Format == "json")
		enc := json.NewEncoder(os.Stdout)

		print := func(e eventsource.Event) {
			if asJSON {
				_ = enc.Encode(jsonEvent{Type: e.Type, Data: e.Data, ID: e.LastEventID})
				return
			}
			if e.Type != "message" {
				fmt.Printf("[%s] ", e.Type)
			}
			fmt.Println(e.Data)
		}

		es, err := eventsource.New(args[0], opts...)
		if err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}
		defer es.Close()

		es.SetOnOpen(func(s eventsource.ConnectionStatus) {
			logger.Info().Int("status", s.Status).Str("url", es.URL()).Msg("connected")
		})
		es.SetOnError(func(err error) {
			logger.Warn().Err(err).Msg("stream interrupted")
		})
		es.SetOnMessage(print)
		for _, typ := range tailEvents {
			es.AddEventListener(typ, print)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

type jsonEvent struct {
	Type string `json:"event"`
	Data string `json:"data"`
	ID   string `json:"id,omitempty"`
}

// tailOptions merges config file defaults with flags. Flags win.
func tailOptions(cmd *cobra.Command, cfg *Config) ([]eventsource.Option, error) {
	var opts []eventsource.Option

	retry := tailRetry
	if retry == 0 && cfg.Default.Retry != "" {
		d, err := time.ParseDuration(cfg.Default.Retry)
		if err != nil {
			return nil, fmt.Errorf("invalid default.retry in config: %w", err)
		}
		retry = d
	}
	if retry > 0 {
		opts = append(opts, eventsource.WithRetry(retry))
	}

	heartbeat := tailHeartbeat
	if heartbeat == 0 && cfg.Default.HeartbeatTimeout != "" {
		d, err := time.ParseDuration(cfg.Default.HeartbeatTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid default.heartbeat_timeout in config: %w", err)
		}
		heartbeat = d
	}
	if heartbeat > 0 {
		opts = append(opts, eventsource.WithHeartbeatTimeout(heartbeat))
	}

	for _, h := range tailHeaders {
		key, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q, want \"Key: Value\"", h)
		}
		opts = append(opts, eventsource.WithHeader(strings.TrimSpace(key), strings.TrimSpace(value)))
	}

	if tailLastEventID != "" {
		opts = append(opts, eventsource.WithLastEventID(tailLastEventID))
	}
	if tailWithCredentials || (!cmd.Flags().Changed("with-credentials") && cfg.Default.WithCredentials) {
		opts = append(opts, eventsource.WithCredentials(true))
	}
	return opts, nil
}
