package config

import (
	"os"
	"path/filepath"
)

// file references for authentication and authorization
var (
	// server certificate and key for serving over TLS
	ServerCertFile = configFile("server.pem")
	ServerKeyFile  = configFile("server-key.pem")
	// certificate authority used to verify clients
	CAFile = configFile("ca.pem")
	// access control lists
	ACLModelFile  = configFile("model.conf")
	ACLPolicyFile = configFile("policy.csv")
)

// Dir is the directory holding the files above.
// CONFIG_DIR takes priority over ~/.bankledger
func Dir() string {
	dir := os.Getenv("CONFIG_DIR")
	if dir != "" {
		return dir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(homeDir, ".bankledger")
}

func configFile(filename string) string {
	return filepath.Join(Dir(), filename)
}
