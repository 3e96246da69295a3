package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nakagami/rdpgate"
)

var config rdpgate.Config

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "rdpgate",
	Short: "Intercepting RDP proxy with credential substitution and plaintext capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		proxy, err := rdpgate.NewProxy(config)
		if err != nil {
			return err
		}
		return proxy.ListenAndServe()
	},
}

func init() {
	rootCmd.Flags().StringVar(&config.ListenAddr, "listen", "0.0.0.0:3389", "address to accept RDP clients on")
	rootCmd.Flags().StringVar(&config.IdentitiesFile, "identities", "identities.json", "JSON file mapping proxy credentials to target credentials")
	rootCmd.Flags().StringVar(&config.CertFile, "cert", "proxy.crt", "TLS certificate presented to clients")
	rootCmd.Flags().StringVar(&config.KeyFile, "key", "proxy.key", "TLS private key")
	rootCmd.Flags().StringVar(&config.PcapFile, "pcap", "", "write decrypted session traffic to this pcap file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
