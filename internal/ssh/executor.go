package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"piswarm/internal/cluster"
	"piswarm/internal/logging"
	"piswarm/internal/sshkeys"
)

var (
	// ErrAuthFailure is returned when every authentication strategy was rejected.
	ErrAuthFailure = cluster.ErrAuthFailure
	// ErrConnectionFailure is returned when the host could not be reached.
	ErrConnectionFailure = cluster.ErrConnectionFailure
)

// Runner executes commands and moves files on one remote host. Every
// component that touches a host depends on this interface.
type Runner interface {
	Execute(ctx context.Context, h *cluster.Host, cmd Command) (Result, error)
	Upload(ctx context.Context, h *cluster.Host, data []byte, remotePath string, mode os.FileMode) error
	Fetch(ctx context.Context, h *cluster.Host, remotePath string) ([]byte, bool, error)
	Transfer(ctx context.Context, h *cluster.Host, localPath, remotePath string) error
}

// Options configures an Executor.
type Options struct {
	Dialer         Dialer
	KeyDir         string
	Clock          clockwork.Clock
	Port           int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// Executor is the production Runner. It dials a fresh connection per call,
// trying the cluster key first and the host password second. A successful
// password login installs the cluster key so later calls use it.
type Executor struct {
	dialer         Dialer
	port           int
	connectTimeout time.Duration
	commandTimeout time.Duration
	keys           *keyring
}

// NewExecutor creates an Executor. A nil Dialer uses real SSH connections.
func NewExecutor(opts Options) *Executor {
	if opts.Dialer == nil {
		opts.Dialer = ClientDialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Executor{
		dialer:         opts.Dialer,
		port:           opts.Port,
		connectTimeout: opts.ConnectTimeout,
		commandTimeout: opts.CommandTimeout,
		keys:           &keyring{dir: opts.KeyDir, clock: opts.Clock},
	}
}

// keyring loads the local key pair lazily and generates it at most once.
type keyring struct {
	dir   string
	clock clockwork.Clock

	mu     sync.Mutex
	pair   *sshkeys.KeyPair
	signer ssh.Signer
}

// current returns the existing key signer, or nil when no key pair exists yet.
func (k *keyring) current() (ssh.Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.signer != nil {
		return k.signer, nil
	}
	if k.dir == "" {
		return nil, nil
	}
	pair, err := sshkeys.Load(k.dir)
	if errors.Is(err, sshkeys.ErrNoKeyPair) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k.adopt(pair)
}

// ensure returns the key pair, generating it if this is the first need.
func (k *keyring) ensure() (*sshkeys.KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pair != nil {
		return k.pair, nil
	}
	if k.dir == "" {
		return nil, errors.New("no key directory configured")
	}
	pair, err := sshkeys.EnsureKeyPair(k.dir, k.clock)
	if err != nil {
		return nil, err
	}
	if _, err := k.adopt(pair); err != nil {
		return nil, err
	}
	return pair, nil
}

func (k *keyring) adopt(pair *sshkeys.KeyPair) (ssh.Signer, error) {
	signer, err := pair.Signer()
	if err != nil {
		return nil, err
	}
	k.pair = pair
	k.signer = signer
	return signer, nil
}

// strategy is one authentication attempt in the ordered fallback list.
type strategy struct {
	state cluster.AuthState
	auth  AuthConfig
}

func (e *Executor) strategies(cred cluster.Credential) ([]strategy, error) {
	base := AuthConfig{Username: cred.Username, Port: e.port, Timeout: e.connectTimeout}

	var out []strategy
	signer, err := e.keys.current()
	if err != nil {
		logging.L().Warnw("cluster key unusable, falling back to password", "error", err)
	} else if signer != nil {
		key := base
		key.Signer = signer
		out = append(out, strategy{state: cluster.AuthKey, auth: key})
	}
	if cred.Password != "" {
		pw := base
		pw.Password = cred.Password
		out = append(out, strategy{state: cluster.AuthPassword, auth: pw})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no key pair and no password for %s", ErrAuthFailure, cred.Username)
	}
	return out, nil
}

// connect walks the strategies in order. A connection failure ends the walk
// immediately since another credential would not make the host reachable.
func (e *Executor) connect(ctx context.Context, h *cluster.Host) (Conn, error) {
	log := logging.L().With("host", h.Address())
	cred := h.Credential()

	strategies, err := e.strategies(cred)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, s := range strategies {
		conn, err := e.dialer.Dial(ctx, h.Address(), s.auth)
		if err == nil {
			h.UpgradeAuth(s.state)
			if s.state == cluster.AuthPassword {
				e.installKey(ctx, conn, h)
			}
			return conn, nil
		}
		if errors.Is(err, ErrConnectionFailure) {
			h.UpgradeAuth(cluster.AuthUnreachable)
			return nil, err
		}
		log.Debugw("authentication attempt rejected", "method", s.state.String(), "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// installKey appends the cluster public key to the login user's
// authorized_keys. Failures are logged and otherwise ignored; the host stays
// password-authenticated.
func (e *Executor) installKey(ctx context.Context, conn Conn, h *cluster.Host) {
	log := logging.L().With("host", h.Address())

	pair, err := e.keys.ensure()
	if err != nil {
		log.Warnw("could not prepare cluster key", "error", err)
		return
	}

	pub := Quote(pair.PublicKey)
	script := Script("umask 077 && mkdir -p ~/.ssh && touch ~/.ssh/authorized_keys && " +
		"(grep -qxF " + pub + " ~/.ssh/authorized_keys || echo " + pub + " >> ~/.ssh/authorized_keys)")

	kctx, cancel := context.WithTimeout(ctx, e.commandTimeout)
	defer cancel()
	if _, err := Check(conn.Run(kctx, script.String(), nil)); err != nil {
		log.Warnw("failed to install cluster key", "error", err)
		return
	}
	h.UpgradeAuth(cluster.AuthKey)
	log.Infow("installed cluster key", "user", h.Credential().Username)
}

// Execute runs cmd on h. A non-zero exit is reported in the Result, not as an
// error.
func (e *Executor) Execute(ctx context.Context, h *cluster.Host, cmd Command) (Result, error) {
	conn, err := e.connect(ctx, h)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	return e.run(ctx, conn, h, cmd, nil)
}

func (e *Executor) run(ctx context.Context, conn Conn, h *cluster.Host, cmd Command, stdin io.Reader) (Result, error) {
	cred := h.Credential()
	timeout := cmd.Timeout()
	if timeout <= 0 {
		timeout = e.commandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sudoPassword := cmd.Privileged() && !cred.IsRoot() && cred.Password != ""
	line := cmd.render(cred.IsRoot(), sudoPassword)
	if sudoPassword {
		pw := strings.NewReader(cred.Password + "\n")
		if stdin != nil {
			stdin = io.MultiReader(pw, stdin)
		} else {
			stdin = pw
		}
	}

	logging.L().Debugw("remote command", "host", h.Address(), "command", cmd.String())
	return conn.Run(cctx, line, stdin)
}

// Upload writes data to remotePath with the given mode. The bytes are staged
// in /tmp as the login user and moved into place with install(1) as root.
func (e *Executor) Upload(ctx context.Context, h *cluster.Host, data []byte, remotePath string, mode os.FileMode) error {
	conn, err := e.connect(ctx, h)
	if err != nil {
		return err
	}
	defer conn.Close()

	staged := "/tmp/piswarm-" + uuid.NewString()
	stage := Script("umask 077 && cat > " + Quote(staged))
	if _, err := Check(e.run(ctx, conn, h, stage, strings.NewReader(string(data)))); err != nil {
		return fmt.Errorf("failed to stage %s: %w", remotePath, err)
	}

	install := Script(fmt.Sprintf("mkdir -p %s && install -m %04o %s %s; rc=$?; rm -f %s; exit $rc",
		Quote(path.Dir(remotePath)), mode.Perm(), Quote(staged), Quote(remotePath), Quote(staged))).AsRoot()
	if _, err := Check(e.run(ctx, conn, h, install, nil)); err != nil {
		return fmt.Errorf("failed to install %s: %w", remotePath, err)
	}
	return nil
}

// Fetch reads remotePath. The boolean is false when the file does not exist.
func (e *Executor) Fetch(ctx context.Context, h *cluster.Host, remotePath string) ([]byte, bool, error) {
	conn, err := e.connect(ctx, h)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	res, err := e.run(ctx, conn, h, Cmd("test", "-f", remotePath).AsRoot(), nil)
	if err != nil {
		return nil, false, err
	}
	if !res.OK() {
		return nil, false, nil
	}

	res, err = Check(e.run(ctx, conn, h, Cmd("cat", remotePath).AsRoot(), nil))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read %s: %w", remotePath, err)
	}
	return []byte(res.Stdout), true, nil
}

// Transfer copies a local file to remotePath, preserving its permission bits.
func (e *Executor) Transfer(ctx context.Context, h *cluster.Host, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return e.Upload(ctx, h, data, remotePath, info.Mode())
}
