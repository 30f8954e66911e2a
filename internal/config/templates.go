package config

import (
	"fmt"
	"os"
)

// Template is a commented kcounterd config.toml holding the defaults.
const Template = `# kcounterd configuration

[device]
name = "kcounter"
# bytes per rendered message, trailing NUL included
message_limit = 256

[server]
# unix | tcp
network = "unix"
address = "/tmp/kcounter.sock"
# idle connections are dropped and their handles released; 0 disables
read_timeout = "5m"

[status]
# empty disables the HTTP status surface
addr = "127.0.0.1:9480"
cors_origins = ["http://localhost:3000"]

[log]
# reloaded when this file changes
level = "info"

[events]
capacity = 64
`

// WriteTemplate writes Template to path. An existing file is kept unless
// overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
