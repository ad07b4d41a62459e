package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const ConfigFile = "config.json"

// Validators hold the list of validation functions for each configuration
// property. Validators must take a key and json string respectively as
// arguments, and must return either an error or nil depending on whether or not
// the given key and value are valid. Validators will only be run if a property
// being set matches the name given in this map.
var Validators = map[string]func(string, string) error{
	"identity.endpointScheme": validateOneOf(EndpointHTTP, EndpointMultiaddr),
	"agent.pinPolicy":         validateOneOf(PinAll, PinAssigned),
	"agent.workers":           validatePositive,
	"agent.retryAttempts":     validatePositive,
}

const (
	EndpointHTTP      = "http"
	EndpointMultiaddr = "multiaddr"

	// PinAll pins every registered file, PinAssigned only files whose host
	// set names this node.
	PinAll      = "all"
	PinAssigned = "assigned"
)

// Config is an in memory representation of the daemon configuration file
type Config struct {
	Identity IdentityConfig `json:"identity"`
	Chain    ChainConfig    `json:"chain"`
	Contract ContractConfig `json:"contract"`
	Content  ContentConfig  `json:"content"`
	Agent    AgentConfig    `json:"agent"`
	API      APIConfig      `json:"api"`
	Gateway  GatewayConfig  `json:"gateway"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type IdentityConfig struct {
	// KeyFile is an encrypted keystore file, relative to the repo.
	KeyFile string `json:"keyFile"`

	// Capacity in bytes; zero declares the free space of the repo disk.
	Capacity uint64 `json:"capacity"`
	IsMobile bool   `json:"isMobile"`

	// Endpoint skips detection when set.
	Endpoint          string   `json:"endpoint,omitempty"`
	EndpointScheme    string   `json:"endpointScheme"`
	EndpointPort      int      `json:"endpointPort"`
	ExcludeInterfaces []string `json:"excludeInterfaces"`
}

func newDefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		KeyFile:        "keystore/node.json",
		EndpointScheme: EndpointHTTP,
		EndpointPort:   3000,
		ExcludeInterfaces: []string{
			"wsl", "docker", "virtual", "vethernet", "veth", "br-",
			"vbox", "vmnet", "tun", "tap", "utun", "zt", "tailscale", "wg",
		},
	}
}

type ChainConfig struct {
	EndPoint string `json:"endPoint"`
	// ChainID zero means ask the endpoint.
	ChainID      int64    `json:"chainID"`
	GasLimit     uint64   `json:"gasLimit"`
	CallTimeout  Duration `json:"callTimeout"`
	TxTimeout    Duration `json:"txTimeout"`
	PollInterval Duration `json:"pollInterval"`
}

func newDefaultChainConfig() ChainConfig {
	return ChainConfig{
		EndPoint:     "http://127.0.0.1:8545",
		GasLimit:     5_000_000,
		CallTimeout:  Duration(30 * time.Second),
		TxTimeout:    Duration(2 * time.Minute),
		PollInterval: Duration(5 * time.Second),
	}
}

type ContractConfig struct {
	// AddressFile is the deployment output, relative to the repo.
	AddressFile string `json:"addressFile"`
}

type ContentConfig struct {
	APIURL  string   `json:"apiURL"`
	Timeout Duration `json:"timeout"`
}

func newDefaultContentConfig() ContentConfig {
	return ContentConfig{
		APIURL:  "http://127.0.0.1:5001",
		Timeout: Duration(2 * time.Minute),
	}
}

type AgentConfig struct {
	HeartbeatInterval Duration `json:"heartbeatInterval"`
	Workers           int      `json:"workers"`
	QueueSize         int      `json:"queueSize"`
	DedupCacheSize    int      `json:"dedupCacheSize"`
	PinPolicy         string   `json:"pinPolicy"`

	RetryAttempts int      `json:"retryAttempts"`
	RetryDelay    Duration `json:"retryDelay"`
	RetryMaxDelay Duration `json:"retryMaxDelay"`
}

func newDefaultAgentConfig() AgentConfig {
	return AgentConfig{
		HeartbeatInterval: Duration(time.Hour),
		Workers:           4,
		QueueSize:         64,
		DedupCacheSize:    1024,
		PinPolicy:         PinAll,
		RetryAttempts:     3,
		RetryDelay:        Duration(2 * time.Second),
		RetryMaxDelay:     Duration(time.Minute),
	}
}

// APIConfig holds all configuration options related to the api.
type APIConfig struct {
	APIAddress string `json:"apiAddress"`
}

type GatewayConfig struct {
	ListenAddress  string `json:"listenAddress"`
	TempDir        string `json:"tempDir"`
	MaxUploadBytes int64  `json:"maxUploadBytes"`
}

func newDefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ListenAddress:  "/ip4/0.0.0.0/tcp/3000",
		MaxUploadBytes: 1 << 30,
	}
}

type MetricsConfig struct {
	// ListenAddress empty disables the exporter.
	ListenAddress string `json:"listenAddress"`
}

// NewDefaultConfig returns a config object with all the fields filled out to
// their default values
func NewDefaultConfig() *Config {
	return &Config{
		Identity: newDefaultIdentityConfig(),
		Chain:    newDefaultChainConfig(),
		Contract: ContractConfig{AddressFile: ContractsFile},
		Content:  newDefaultContentConfig(),
		Agent:    newDefaultAgentConfig(),
		API:      APIConfig{APIAddress: "/ip4/127.0.0.1/tcp/8201"},
		Gateway:  newDefaultGatewayConfig(),
		Metrics:  MetricsConfig{ListenAddress: "127.0.0.1:8202"},
	}
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close() // nolint: errcheck

	configString, err := json.MarshalIndent(*cfg, "", "\t")
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(f, string(configString))
	return err
}

// ReadFile reads a config file from disk. Absent keys keep their defaults.
func ReadFile(file string) (*Config, error) {
	rawConfig, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	cfg := NewDefaultConfig()
	if len(rawConfig) == 0 {
		return cfg, nil
	}

	err = json.Unmarshal(rawConfig, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", file)
	}

	return cfg, nil
}

// Set sets the config sub-struct referenced by `key`, e.g. 'agent.workers'
// to the json key value pair encoded in jsonVal.
func (cfg *Config) Set(dottedKey string, jsonString string) error {
	if !json.Valid([]byte(jsonString)) {
		jsonBytes, _ := json.Marshal(jsonString)
		jsonString = string(jsonBytes)
	}

	if err := validate(dottedKey, jsonString); err != nil {
		return err
	}

	keys := strings.Split(dottedKey, ".")
	for i := len(keys) - 1; i >= 0; i-- {
		jsonString = fmt.Sprintf(`{ "%s": %s }`, keys[i], jsonString)
	}

	decoder := json.NewDecoder(strings.NewReader(jsonString))
	decoder.DisallowUnknownFields()

	return decoder.Decode(&cfg)
}

// Get gets the config sub-struct referenced by `key`, e.g. 'chain.endPoint'
func (cfg *Config) Get(key string) (interface{}, error) {
	v := reflect.Indirect(reflect.ValueOf(cfg))
	keyTags := strings.Split(key, ".")
OUTER:
	for j, keyTag := range keyTags {
		if v.Type().Kind() == reflect.Struct {
			for i := 0; i < v.NumField(); i++ {
				jsonTag := strings.Split(
					v.Type().Field(i).Tag.Get("json"),
					",")[0]
				if jsonTag == keyTag {
					v = v.Field(i)
					if j == len(keyTags)-1 {
						return v.Interface(), nil
					}
					v = reflect.Indirect(v) // only attempt one dereference
					continue OUTER
				}
			}
		}

		return nil, fmt.Errorf("key: %s invalid for config", key)
	}
	// Cannot get here as len(strings.Split(s, sep)) >= 1 with non-empty sep
	return nil, fmt.Errorf("empty key is invalid")
}

// validate runs validations on a given key and json string. validate uses the
// validators map defined at the top of this file to determine which validations
// to use for each key.
func validate(dottedKey string, jsonString string) error {
	var obj interface{}
	if err := json.Unmarshal([]byte(jsonString), &obj); err != nil {
		return err
	}
	// recursively validate sub-keys by partially unmarshalling
	if reflect.ValueOf(obj).Kind() == reflect.Map {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(jsonString), &obj); err != nil {
			return err
		}
		for key := range obj {
			if err := validate(dottedKey+"."+key, string(obj[key])); err != nil {
				return err
			}
		}
		return nil
	}

	if validationFunc, present := Validators[dottedKey]; present {
		return validationFunc(dottedKey, jsonString)
	}

	return nil
}

func validateOneOf(allowed ...string) func(string, string) error {
	re := regexp.MustCompile(`^"(` + strings.Join(allowed, "|") + `)"$`)
	return func(key string, value string) error {
		if !re.MatchString(value) {
			return errors.Errorf(`"%s" must be one of %s`, key, strings.Join(allowed, ", "))
		}
		return nil
	}
}

func validatePositive(key string, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return errors.Errorf(`"%s" must be a positive integer`, key)
	}
	return nil
}
