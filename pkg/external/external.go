// Package external holds the process-environment settings that do not belong
// in the service configuration file: where the administrative tool lives,
// where the pid file goes, and how often the config watchdog polls. Defaults
// can be overridden through GODIRECTORD_* environment variables.
package external

import (
	"time"

	"github.com/spf13/viper"
)

// Settings is the resolved process environment.
type Settings struct {
	// IpvsadmPath is the absolute path of the external table-management tool.
	IpvsadmPath string
	// PidDir is the directory the pid file is written to.
	PidDir string
	// ConfigFile is the default configuration file path, used when -f is not
	// given on the command line.
	ConfigFile string
	// ConfigCheckPeriod is how often the autoreload watchdog compares the
	// config file's modification time.
	ConfigCheckPeriod time.Duration
}

// Load resolves the settings from built-in defaults and the environment.
func Load() *Settings {
	v := viper.New()
	v.SetDefault("ipvsadm_path", "/sbin/ipvsadm")
	v.SetDefault("pid_dir", "/run")
	v.SetDefault("config_file", "/etc/godirectord/godirectord.conf")
	v.SetDefault("config_check_period", "10s")
	v.SetEnvPrefix("godirectord")
	v.AutomaticEnv()

	return &Settings{
		IpvsadmPath:       v.GetString("ipvsadm_path"),
		PidDir:            v.GetString("pid_dir"),
		ConfigFile:        v.GetString("config_file"),
		ConfigCheckPeriod: v.GetDuration("config_check_period"),
	}
}
