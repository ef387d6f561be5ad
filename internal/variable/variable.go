package variable

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// ChunkSize - bytes moved per iteration of a transfer loop
	ChunkSize = 4096
	// RemoteFileMode - permission bits for files created on the server: rw-r--r--
	RemoteFileMode os.FileMode = 0644
	// LocalFileMode - permission bits for files created in local storage
	LocalFileMode os.FileMode = 0644
	// DisconnectReason - sent with the graceful session termination
	DisconnectReason = "Normal Shutdown"
	// EnvPrefix - environment variable prefix for configuration overrides
	EnvPrefix = "SFTPXFER"
)

// Defaults for the demo sequence.
const (
	DefaultHost             = "192.168.0.2"
	DefaultPort             = 14022
	DefaultStorageRoot      = "/spiffs"
	DefaultUploadLocal      = "/spiffs/upload.txt"
	DefaultUploadRemote     = "esp32_upload.txt"
	DefaultDownloadLocal    = "/spiffs/downloaded.txt"
	DefaultPhaseDelay       = 5 * time.Second
	DefaultLinkPollInterval = 500 * time.Millisecond
	DefaultConnectTimeout   = 10 * time.Second
	DefaultIOTimeout        = 30 * time.Second
)

var (
	// ConfigBaseDir - the project config dir
	ConfigBaseDir string
	// SSHHostKeyFileName - simplesshd host private key file name
	SSHHostKeyFileName = "ssh_host_ed25519_key"
	// ConfigFileName - settings file looked up in ConfigBaseDir
	ConfigFileName = "config.toml"
)

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	ConfigBaseDir = filepath.Join(home, ".sftpxfer")
}
