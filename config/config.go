// Package config loads the surrounding program's boundary
// configuration: the native-port whitelist and extended-capability
// profile a Controller is constructed with. It is the one part of this
// repository that plays the role usbip-device-plugin's own config.go
// plays for that project — everything downstream of it takes a plain
// Go struct, never a flag set or a config file.
package config

import (
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// NativePort describes one entry of the whitelist: a physical
// (bus, depth, path) identity the host is willing to pass through to
// the guest.
type NativePort struct {
	Path string `mapstructure:"path"`
}

// Profile selects which extended-capability set a Controller reports.
type Profile struct {
	// VendorDRD selects the vendor Dual-Role-Device capability in
	// addition to the standard USB2/USB3 Supported-Protocol pair.
	VendorDRD bool `mapstructure:"vendor_drd"`

	// NumPorts is the root-hub port count, split evenly between USB3
	// and USB2. Zero means "use the controller's default."
	NumPorts int `mapstructure:"num_ports"`
}

// Config is the fully decoded boundary configuration.
type Config struct {
	NativePorts []NativePort
	Profile     Profile
}

// Load defines flags on fs, parses args against it, and layers in a
// config file and environment overrides the way initConfig does for
// its plugin: flags take precedence, then env, then the config file.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfgFile := fs.String("config", "", "path to the xhci config file")
	fs.Bool("vendor-drd", false, "advertise the vendor DRD extended capability")
	fs.Int("num-ports", 0, "root-hub port count (0 = controller default)")

	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Wrap(err, "parse flags")
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, errors.Wrap(err, "bind flags")
	}

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	} else {
		v.SetConfigName("xhci")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/xhci/")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config

	cfg.Profile.VendorDRD = v.GetBool("vendor-drd")
	cfg.Profile.NumPorts = v.GetInt("num-ports")

	raw := v.Get("native_ports")
	if raw != nil {
		var ports []NativePort
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &ports,
			TagName: "mapstructure",
		})
		if err != nil {
			return Config{}, errors.Wrap(err, "build decoder")
		}
		if err := dec.Decode(raw); err != nil {
			return Config{}, errors.Wrap(err, "decode native_ports")
		}
		cfg.NativePorts = ports
	}

	for _, np := range cfg.NativePorts {
		if np.Path == "" {
			return Config{}, errors.New("native_ports entry with empty path")
		}
	}

	return cfg, nil
}
