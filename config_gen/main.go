/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each scribe.
The generated configuration file particularly contains the public/private keys for TS and ED25519
and the shared seed of the common coin.
*/
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/sign"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// simple parameters copied as is from the template
var passThrough = []string{
	"max_pool", "batch_size", "log_level", "protocol",
	"event_poll_ms", "max_event_wait_ms", "quorum_poll_ms", "rebroadcast_ms",
	"fetch_timeout_ms", "liveness_retries", "liveness_backoff_ms", "event_rate",
}

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}
	names, err := generate(viperRead, "./")
	if err != nil {
		panic(err)
	}
	fmt.Println("config files generated for", names)
}

// generate writes one <name>.yaml per scribe of the template into outDir and
// returns the sorted scribe names.
func generate(template *viper.Viper, outDir string) ([]string, error) {
	// deal with cluster as a string map
	clusterMapInterface := template.GetStringMap("IPs")
	nodeNumber := len(clusterMapInterface)
	if nodeNumber == 0 {
		return nil, errors.New("the template lists no scribe")
	}
	clusterMapString := make(map[string]string, nodeNumber)
	clusterName := make([]string, 0, nodeNumber)
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			return nil, errors.New("cluster in the config file cannot be decoded correctly")
		}
		clusterMapString[name] = addrAsString
		clusterName = append(clusterName, name)
	}
	sort.Strings(clusterName)

	// deal with p2p_listen_port as a string map
	p2pPortMapInterface := template.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		return nil, errors.New("p2p_listen_port does not match with cluster")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		portAsInterface, ok := p2pPortMapInterface[name]
		if !ok {
			return nil, errors.New("p2p_listen_port does not match with cluster")
		}
		portAsInt, ok := portAsInterface.(int)
		if !ok {
			return nil, errors.New("p2p_listen_port contains a non-int value")
		}
		p2pPortMap[name] = portAsInt
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}

	// create the threshold signature keys, one share per scribe in sorted order
	shares, pubPoly := sign.GenTSKeys(dag.QuorumThreshold(nodeNumber), nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		return nil, errors.Wrap(err, "fail encode the TSPublicKey")
	}

	coinSeed := make([]byte, 32)
	if _, err := rand.Read(coinSeed); err != nil {
		return nil, errors.Wrap(err, "fail to draw the coin seed")
	}

	dataDir := template.GetString("data_dir")
	metricsPort := template.GetInt("metrics_port")

	// write to configure files
	for i, name := range clusterName {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(filepath.Join(outDir, name+".yaml"))
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			return nil, errors.Wrap(err, "fail encode the share")
		}

		viperWrite.Set("name", name)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("coin_seed", hex.EncodeToString(coinSeed))
		for _, key := range passThrough {
			if template.IsSet(key) {
				viperWrite.Set(key, template.Get(key))
			}
		}
		if dataDir != "" {
			viperWrite.Set("data_dir", filepath.Join(dataDir, name))
		}
		if metricsPort > 0 {
			viperWrite.Set("metrics_addr", ":"+strconv.Itoa(metricsPort+i))
		}
		if err := viperWrite.WriteConfig(); err != nil {
			return nil, errors.Wrapf(err, "write the config of %s", name)
		}
	}
	return clusterName, nil
}
