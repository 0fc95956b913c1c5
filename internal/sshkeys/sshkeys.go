package sshkeys

import (
	"bufio"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"piswarm/internal/logging"
)

const (
	// PrivateKeyFileName is the name of the private key file.
	PrivateKeyFileName = "id_ed25519"
	// PublicKeyFileName is the name of the public key file.
	PublicKeyFileName = "id_ed25519.pub"
	// PassphraseFileName holds the passphrase protecting the private key.
	PassphraseFileName = "id_ed25519.passphrase"
	// KeyComment is appended to the public key so operators can spot it in
	// authorized_keys.
	KeyComment = "piswarm-cluster-key"
)

// ErrNoKeyPair is returned by Load when no key pair has been generated yet.
var ErrNoKeyPair = errors.New("sshkeys: no key pair found")

// KeyPair represents an SSH key pair on local disk.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PassphrasePath string
	Passphrase     string // empty if the key is not encrypted
	PublicKey      string // authorized_keys line, without trailing newline
}

// Signer parses the private key for use in public key authentication.
func (k *KeyPair) Signer() (ssh.Signer, error) {
	data, err := os.ReadFile(k.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", k.PrivateKeyPath, err)
	}
	if k.Passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(k.Passphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key from %s: %w", k.PrivateKeyPath, err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key from %s: %w", k.PrivateKeyPath, err)
	}
	return signer, nil
}

// generatePassphrase generates a cryptographically secure random passphrase.
func generatePassphrase(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_=+.,:"
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = charset[int(buf[i])%len(charset)]
	}
	return string(buf), nil
}

// readPassphrase returns the first line of the passphrase file, or "" when the
// file is absent or blank.
func readPassphrase(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open passphrase file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read passphrase file: %w", err)
	}
	return "", nil
}

// latestKeyFolder returns the most recently modified key folder, or "" when none exist.
func latestKeyFolder(baseDir string) (string, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read key directory: %w", err)
	}

	type folder struct {
		name string
		mod  time.Time
	}
	var folders []folder
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		folders = append(folders, folder{name: entry.Name(), mod: info.ModTime()})
	}
	if len(folders) == 0 {
		return "", nil
	}

	sort.Slice(folders, func(i, j int) bool {
		if folders[i].mod.Equal(folders[j].mod) {
			return folders[i].name > folders[j].name
		}
		return folders[i].mod.After(folders[j].mod)
	})
	return filepath.Join(baseDir, folders[0].name), nil
}

// Load returns the newest key pair under keyDir without generating one.
func Load(keyDir string) (*KeyPair, error) {
	latest, err := latestKeyFolder(keyDir)
	if err != nil {
		return nil, err
	}
	if latest == "" {
		return nil, ErrNoKeyPair
	}

	pair := &KeyPair{
		PrivateKeyPath: filepath.Join(latest, PrivateKeyFileName),
		PublicKeyPath:  filepath.Join(latest, PublicKeyFileName),
		PassphrasePath: filepath.Join(latest, PassphraseFileName),
	}
	if _, err := os.Stat(pair.PrivateKeyPath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKeyPair
		}
		return nil, err
	}

	pub, err := os.ReadFile(pair.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pair.PublicKey = strings.TrimSpace(string(pub))

	pair.Passphrase, err = readPassphrase(pair.PassphrasePath)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// EnsureKeyPair returns the newest key pair under keyDir, generating a new
// passphrase-protected ed25519 pair in a timestamped folder if none exists.
func EnsureKeyPair(keyDir string, clock clockwork.Clock) (*KeyPair, error) {
	log := logging.L().With("component", "sshkeys")

	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	pair, err := Load(keyDir)
	if err == nil {
		log.Debugw("using existing SSH key pair", "path", pair.PrivateKeyPath)
		return pair, nil
	}
	if !errors.Is(err, ErrNoKeyPair) {
		return nil, err
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dir := filepath.Join(keyDir, clock.Now().UTC().Format("2006.01.02.150405"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create timestamped key directory: %w", err)
	}

	pair = &KeyPair{
		PrivateKeyPath: filepath.Join(dir, PrivateKeyFileName),
		PublicKeyPath:  filepath.Join(dir, PublicKeyFileName),
		PassphrasePath: filepath.Join(dir, PassphraseFileName),
	}
	log.Infow("generating new SSH key pair", "path", pair.PrivateKeyPath)

	pair.Passphrase, err = generatePassphrase(32)
	if err != nil {
		return nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	block, err := ssh.MarshalPrivateKeyWithPassphrase(crypto.PrivateKey(privateKey), KeyComment, []byte(pair.Passphrase))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key with passphrase: %w", err)
	}
	if err := os.WriteFile(pair.PrivateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pair.PassphrasePath, []byte(pair.Passphrase+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write passphrase file: %w", err)
	}

	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	pair.PublicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPublicKey))) + " " + KeyComment
	if err := os.WriteFile(pair.PublicKeyPath, []byte(pair.PublicKey+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	log.Infow("SSH key pair generated", "privateKey", pair.PrivateKeyPath, "publicKey", pair.PublicKeyPath)
	return pair, nil
}
