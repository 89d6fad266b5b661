// Package config loads the example binaries' tunables from a small
// YAML file, in the teacher pack's flag-plus-YAML-file pattern
// (junbin-yang-dsoftbus-go/pkg/utils/config/config.go).
package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

var (
	APPNAME    = "coapcore"
	VERSION    = "undefined"
	GO_VERSION = "undefined"
)

// Config holds the tunables an example coap-server/coap-client binary
// reads at startup.
type Config struct {
	Addr          string `yaml:"addr"`
	AckTimeoutMS  int    `yaml:"ack_timeout_ms"`
	MaxRetransmit int    `yaml:"max_retransmit"`
	ProcessingMS  int    `yaml:"processing_delay_ms"`
	BlockSize     int    `yaml:"block_size"`

	// MulticastGroup, when set, is an IP multicast group the server
	// joins on MulticastIface at startup.
	MulticastGroup string `yaml:"multicast_group"`
	MulticastIface string `yaml:"multicast_iface"`

	Logger struct {
		Level string `yaml:"level"`
	} `yaml:"logger"`
}

// Default returns a Config matching the RFC 7252 defaults.
func Default() *Config {
	return &Config{
		Addr:          ":5683",
		AckTimeoutMS:  2000,
		MaxRetransmit: 4,
		ProcessingMS:  1000,
		BlockSize:     512,
	}
}

var configFlag = flag.String("config", "", "path to a YAML config file (default: <binary-dir>/"+APPNAME+".yml)")

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stdout, APPNAME+", version: "+VERSION+" ("+GO_VERSION+")")
		flag.PrintDefaults()
	}
}

// Parse reads the YAML config file, falling back to Default() values
// for anything the file doesn't set, per-executable-directory lookup
// with an /etc fallback, same search order as the teacher pack's
// config loader.
func Parse() (*Config, error) {
	if !flag.Parsed() {
		flag.Parse()
	}

	conf := Default()

	path := *configFlag
	if path == "" {
		ex, err := os.Executable()
		if err != nil {
			return conf, nil
		}
		path = filepath.Dir(ex) + "/" + APPNAME + ".yml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "/etc/" + APPNAME + ".yml"
		}
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return conf, nil // no config file is not fatal; Default() stands
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return conf, nil
}
