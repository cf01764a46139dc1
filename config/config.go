/*
Package config implements the type to pass the arguments to a scribe
and a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gitzhang10/scribe/sign"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name         string
	MaxPool      int
	LogLevel     int
	BatchSize    int
	Protocol     string
	CoinSeed     []byte
	ClusterAddr  map[string]string // map from name to address
	ClusterPort  map[string]int    // map from name to port
	PublicKeyMap map[string]ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare

	DataDir     string
	MetricsAddr string

	EventPoll       time.Duration
	MaxEventWait    time.Duration
	QuorumPoll      time.Duration
	Rebroadcast     time.Duration
	FetchTimeout    time.Duration
	LivenessRetries int
	LivenessBackoff time.Duration
	EventRate       float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_pool", 10)
	v.SetDefault("log_level", int(hclog.Info))
	v.SetDefault("batch_size", 100)
	v.SetDefault("protocol", "dagrider")
	v.SetDefault("event_poll_ms", 10)
	v.SetDefault("max_event_wait_ms", 100)
	v.SetDefault("quorum_poll_ms", 10)
	v.SetDefault("rebroadcast_ms", 500)
	v.SetDefault("fetch_timeout_ms", 2000)
	v.SetDefault("liveness_retries", 5)
	v.SetDefault("liveness_backoff_ms", 500)
	v.SetDefault("event_rate", 0)
}

func decodeHex(v *viper.Viper, key string) ([]byte, error) {
	b, err := hex.DecodeString(v.GetString(key))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	return b, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// LoadConfig loads configuration files by package viper. The file is looked
// up in paths, the working directory when none is given.
func LoadConfig(configPrefix, configName string, paths ...string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	if len(paths) == 0 {
		paths = []string{"./"}
	}
	for _, p := range paths {
		viperConfig.AddConfigPath(p)
	}
	setDefaults(viperConfig)
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyED, err := decodeHex(viperConfig, "privkeyed")
	if err != nil {
		return nil, err
	}
	if len(privKeyED) != ed25519.PrivateKeySize {
		return nil, errors.New("privkeyed is not an ed25519 private key")
	}

	tsPubKeyAsBytes, err := decodeHex(viperConfig, "tspubkey")
	if err != nil {
		return nil, err
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, errors.Wrap(err, "decode tspubkey")
	}

	tsShareAsBytes, err := decodeHex(viperConfig, "tsshare")
	if err != nil {
		return nil, err
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, errors.Wrap(err, "decode tsshare")
	}

	coinSeed, err := decodeHex(viperConfig, "coin_seed")
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:            viperConfig.GetString("name"),
		MaxPool:         viperConfig.GetInt("max_pool"),
		LogLevel:        viperConfig.GetInt("log_level"),
		BatchSize:       viperConfig.GetInt("batch_size"),
		Protocol:        viperConfig.GetString("protocol"),
		CoinSeed:        coinSeed,
		PrivateKey:      privKeyED,
		TsPublicKey:     tsPubKey,
		TsPrivateKey:    tsShareKey,
		DataDir:         viperConfig.GetString("data_dir"),
		MetricsAddr:     viperConfig.GetString("metrics_addr"),
		EventPoll:       millis(viperConfig, "event_poll_ms"),
		MaxEventWait:    millis(viperConfig, "max_event_wait_ms"),
		QuorumPoll:      millis(viperConfig, "quorum_poll_ms"),
		Rebroadcast:     millis(viperConfig, "rebroadcast_ms"),
		FetchTimeout:    millis(viperConfig, "fetch_timeout_ms"),
		LivenessRetries: viperConfig.GetInt("liveness_retries"),
		LivenessBackoff: millis(viperConfig, "liveness_backoff_ms"),
		EventRate:       viperConfig.GetFloat64("event_rate"),
	}
	if conf.Name == "" {
		return nil, errors.New("name is missing from the config file")
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		pkAsString, ok := pkAsInterface.(string)
		if !ok {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, errors.Wrapf(err, "decode the public key of %s", name)
		}
		if len(pubKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key of %s has a wrong size", name)
		}
		pubKeyMap[name] = pubKey

		addr, ok := peersIPsMapString[name].(string)
		if !ok {
			return nil, fmt.Errorf("no address for %s", name)
		}
		port, err := toInt(peersP2PPortMapString[name])
		if err != nil {
			return nil, errors.Wrapf(err, "port of %s", name)
		}
		clusterAddr[name] = addr
		clusterPort[name] = port
	}
	if _, ok := pubKeyMap[conf.Name]; !ok {
		return nil, fmt.Errorf("%s is not part of the cluster", conf.Name)
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	return conf, nil
}

// Scribes returns the sorted names of the cluster.
func (c *Config) Scribes() []string {
	names := make([]string, 0, len(c.PublicKeyMap))
	for name := range c.PublicKeyMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Peers maps every scribe to its host:port.
func (c *Config) Peers() map[string]string {
	peers := make(map[string]string, len(c.ClusterAddr))
	for name, addr := range c.ClusterAddr {
		peers[name] = net.JoinHostPort(addr, strconv.Itoa(c.ClusterPort[name]))
	}
	return peers
}

// BindAddr is the listen address of this scribe.
func (c *Config) BindAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.ClusterPort[c.Name]))
}

// Keyring builds the keyring of this scribe.
func (c *Config) Keyring() *sign.Keyring {
	return sign.NewKeyring(c.Name, c.PrivateKey, c.PublicKeyMap, c.TsPublicKey, c.TsPrivateKey)
}
