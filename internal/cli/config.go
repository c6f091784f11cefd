package cli

import (
	"errors"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

func InitConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("lucent")
		viper.SetConfigType("toml")
		if viper.GetString("config") != "" {
			viper.SetConfigFile(viper.GetString("config"))
		} else {
			viper.AddConfigPath("$HOME/.config/lucent")
			viper.AddConfigPath("/etc/xdg/lucent")
		}
	}

	viper.SetDefault("renderer", "pixel")
	viper.SetDefault("output_width", 1280)
	viper.SetDefault("output_height", 720)
	viper.SetDefault("refresh", 60000)
	viper.SetDefault("clock", "real")
	viper.SetDefault("border_size", 0)
	viper.SetDefault("output_profile", "srgb")
	viper.SetDefault("output_gamma", 2.2)
	viper.SetDefault("demo_scene", true)
	viper.SetDefault("debug", false)
	viper.SetDefault("debug_mode", "none")

	viper.AutomaticEnv() // read environment variables that match

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatalf("Error reading config file: %v", err)
		}
		// Defaults are complete; running without a config file is fine.
	}

	applyLogLevel()
	viper.OnConfigChange(func(_ fsnotify.Event) {
		applyLogLevel()
	})
	viper.WatchConfig()
}

func applyLogLevel() {
	if viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
