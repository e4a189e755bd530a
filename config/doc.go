// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and SANDBOXD_* environment variables. It
// covers adapter selection, session defaults, the registry state root, the
// watchdog, and server and logging settings.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Adapter: %s\n", cfg.AdapterKind)
package config
