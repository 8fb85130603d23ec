package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/skein/pkg/inventory"
)

// Defaults applied when the inventory leaves a setting unset.
const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	DefaultTmpDir         = "/tmp"
)

// Config holds the resolved SSH settings for one target.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port.
	Port int

	// User is the login user.
	User string

	// Password enables password and keyboard-interactive authentication.
	Password string

	// PrivateKeyPath is the path to a private key file.
	PrivateKeyPath string

	// HostKeyCheck verifies the server key against KnownHostsPath.
	HostKeyCheck bool

	// KnownHostsPath is the known_hosts file used when HostKeyCheck is set.
	KnownHostsPath string

	// ConnectTimeout bounds the TCP dial and handshake.
	ConnectTimeout time.Duration

	// RunAs is the default user actions run as.
	RunAs string

	// SudoPassword is fed to sudo when RunAs requires a password.
	SudoPassword string

	// TmpDir is where scripts and tasks are staged on the target.
	TmpDir string

	// Interpreters maps file extensions to interpreters.
	Interpreters map[string]string
}

// ConfigFromTarget resolves the ssh section of target's effective config.
func ConfigFromTarget(target *inventory.Target) *Config {
	section := target.Config().Section(inventory.TransportSSH)

	home, _ := os.UserHomeDir()
	cfg := &Config{
		Host:           target.Host(),
		Port:           inventory.Value(section.Port, DefaultPort),
		User:           inventory.Value(section.User, defaultUser()),
		Password:       inventory.Value(section.Password, ""),
		PrivateKeyPath: inventory.Value(section.PrivateKey, ""),
		HostKeyCheck:   inventory.Value(section.HostKeyCheck, true),
		KnownHostsPath: inventory.Value(section.KnownHosts, filepath.Join(home, ".ssh", "known_hosts")),
		RunAs:          inventory.Value(section.RunAs, ""),
		SudoPassword:   inventory.Value(section.SudoPassword, ""),
		TmpDir:         inventory.Value(section.TmpDir, DefaultTmpDir),
		Interpreters:   section.Interpreters,
	}

	cfg.ConnectTimeout = DefaultConnectTimeout
	if section.ConnectTimeout != nil {
		cfg.ConnectTimeout = time.Duration(*section.ConnectTimeout) * time.Second
	}
	if cfg.SudoPassword == "" {
		cfg.SudoPassword = cfg.Password
	}
	return cfg
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.PrivateKeyPath != "" {
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig builds the ssh.ClientConfig. Every available credential is
// offered: the configured key, the password and finally the ssh-agent. With
// no explicit credential the default keys under ~/.ssh are tried. release
// closes the agent connection once the handshake is done.
func (c *Config) ClientConfig() (cfg *ssh.ClientConfig, release func(), err error) {
	release = func() {}

	var auth []ssh.AuthMethod

	keyPaths := []string{c.PrivateKeyPath}
	if c.PrivateKeyPath == "" {
		keyPaths = defaultKeyPaths()
	}
	for _, path := range keyPaths {
		if path == "" {
			continue
		}
		signer, err := loadSigner(path)
		if err != nil {
			if c.PrivateKeyPath != "" {
				return nil, release, err
			}
			continue
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		password := c.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			release = func() { _ = conn.Close() }
		}
	}

	if len(auth) == 0 {
		return nil, release, fmt.Errorf("no authentication methods available for %s@%s", c.User, c.Host)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.HostKeyCheck {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			release()
			return nil, func() {}, fmt.Errorf("failed to load known_hosts %s: %w", c.KnownHostsPath, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, release, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}

func defaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}
