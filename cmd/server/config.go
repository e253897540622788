// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/airu-project/airu/server"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll, logLevelDebug, logLevelInfo, logLevelWarn, logLevelError, logLevelNone,
}, ", ")

// initConfig defines config flags, config file, and envs, layering
// flags over a config file over defaults via viper.
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("listen", ":3240", "The address at which to listen for AIRU client connections.")
	flag.String("http-listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("rescan-interval", "5s", "How often to rescan the local USB backend for new or removed devices.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.Bool("skip-crc-check", false, "Skip frame CRC32 validation (testing only).")
	flag.StringSlice("allow-vidpid", nil, "Allow-list of vendor:product hex pairs (e.g. 0403:6001). Empty means allow all.")
	flag.StringSlice("deny-vidpid", nil, "Deny-list of vendor:product hex pairs, applied after the allow-list.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/airu/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error.
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

func parseHexUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseVidPidList(raw []string) ([]server.VidPid, error) {
	out := make([]server.VidPid, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed vendor:product pair %q", entry)
		}
		vendor, err := parseHexUint16(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed vendor id %q: %w", parts[0], err)
		}
		product, err := parseHexUint16(parts[1])
		if err != nil {
			return nil, fmt.Errorf("malformed product id %q: %w", parts[1], err)
		}
		out = append(out, server.VidPid{VendorID: vendor, ProductID: product})
	}
	return out, nil
}

// vidPidEntry is the shape a "filters.allow"/"filters.deny" section in
// the config file takes: a list of tables with vendor/product hex
// strings, decoded with mapstructure rather than viper's own built-in
// unmarshal so a malformed entry names the section it came from.
type vidPidEntry struct {
	Vendor  string `mapstructure:"vendor"`
	Product string `mapstructure:"product"`
}

// decodeVidPidSection reads a structured allow/deny section from the
// config file, if present, supplementing the flag-based hex-pair lists
// parseVidPidList handles. Returns nil with no error when the section
// is absent.
func decodeVidPidSection(key string) ([]server.VidPid, error) {
	raw := viper.Get(key)
	if raw == nil {
		return nil, nil
	}

	var entries []vidPidEntry
	if err := mapstructure.Decode(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode %s section: %w", key, err)
	}

	out := make([]server.VidPid, 0, len(entries))
	for _, e := range entries {
		vendor, err := parseHexUint16(e.Vendor)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed vendor id %q: %w", key, e.Vendor, err)
		}
		product, err := parseHexUint16(e.Product)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed product id %q: %w", key, e.Product, err)
		}
		out = append(out, server.VidPid{VendorID: vendor, ProductID: product})
	}
	return out, nil
}

// loadVidPidFilter combines the flag-based hex-pair list (flagKey) with
// the config-file structured section (sectionKey), if both are set.
func loadVidPidFilter(flagKey, sectionKey string) ([]server.VidPid, error) {
	fromFlag, err := parseVidPidList(viper.GetStringSlice(flagKey))
	if err != nil {
		return nil, err
	}
	fromSection, err := decodeVidPidSection(sectionKey)
	if err != nil {
		return nil, err
	}
	return append(fromFlag, fromSection...), nil
}
