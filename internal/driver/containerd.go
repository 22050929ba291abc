package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ImageResolver maps a logical image reference to the reference to pull.
// This is the single point where image-naming strategy is decided; there are
// no parallel code paths per registry.
type ImageResolver func(ref string) string

// DefaultResolver pulls references as-is.
func DefaultResolver(ref string) string { return ref }

// MirrorResolver rewrites docker.io references to a mirror host.
func MirrorResolver(mirror string) ImageResolver {
	return func(ref string) string {
		if rest, ok := strings.CutPrefix(ref, "docker.io/"); ok {
			return mirror + "/" + rest
		}
		return ref
	}
}

var baseEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
	"SANDBOX=true",
}

// Containerd implements Driver on top of a containerd daemon. Sandboxes are
// long-lived containers holding an idle init task; runs are exec'd into them.
type Containerd struct {
	socket      string
	namespace   string
	resolve     ImageResolver
	scratchRoot string
	keepImages  map[string]bool

	mu     sync.Mutex
	client *containerd.Client // swapped on reconnect, access via conn
	closed bool
}

// ContainerdConfig configures the containerd-backed driver.
type ContainerdConfig struct {
	Socket      string
	Namespace   string
	ScratchRoot string   // host directory holding per-sandbox scratch dirs
	ImageMirror string   // optional mirror host for docker.io references
	KeepImages  []string // images the image prune must never remove
}

// NewContainerd connects to containerd and prepares the scratch root.
func NewContainerd(ctx context.Context, cfg ContainerdConfig) (*Containerd, error) {
	client, err := dial(ctx, cfg.Socket, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("socket", cfg.Socket).
		Str("namespace", cfg.Namespace).
		Msg("connected to containerd")

	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = filepath.Join(os.TempDir(), "studio-scratch")
	}
	if err := os.MkdirAll(cfg.ScratchRoot, 0750); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}

	resolve := DefaultResolver
	if cfg.ImageMirror != "" {
		resolve = MirrorResolver(cfg.ImageMirror)
	}

	keep := make(map[string]bool, len(cfg.KeepImages))
	for _, ref := range cfg.KeepImages {
		keep[resolve(ref)] = true
	}

	return &Containerd{
		socket:      cfg.Socket,
		namespace:   cfg.Namespace,
		client:      client,
		resolve:     resolve,
		scratchRoot: cfg.ScratchRoot,
		keepImages:  keep,
	}, nil
}

// dial opens a containerd connection and verifies it answers.
func dial(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("containerd version check failed: %w", err)
	}
	return client, nil
}

// conn returns the current containerd client. The pointer stays valid after
// a reconnect swaps d.client; in-flight calls just finish on the old
// connection.
func (d *Containerd) conn() *containerd.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

func (d *Containerd) withNS(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

// pullImage returns the image, pulling it if the content store does not
// already hold it. ctx must carry the namespace.
func (d *Containerd) pullImage(ctx context.Context, ref string) (containerd.Image, error) {
	client := d.conn()
	if image, err := client.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err := client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

func (d *Containerd) scratchDir(handle string) string {
	return filepath.Join(d.scratchRoot, handle)
}

func (d *Containerd) CreateSandbox(ctx context.Context, spec SandboxSpec) (string, error) {
	nsCtx := d.withNS(ctx)

	image, err := d.pullImage(nsCtx, d.resolve(spec.Image))
	if err != nil {
		return "", err
	}

	scratch := d.scratchDir(spec.ID)
	if err := os.MkdirAll(scratch, 0755); err != nil { // #nosec G301 -- container runs as nobody and must read it
		return "", fmt.Errorf("creating scratch dir: %w", err)
	}

	secProfile := defaultSecurityProfile()
	if spec.NetworkEnabled {
		secProfile = networkSecurityProfile()
	}

	_, err = d.conn().NewContainer(nsCtx, spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithContainerLabels(spec.Labels),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			// The init task only holds the sandbox open; runs are exec'd in.
			oci.WithProcessArgs("sleep", "infinity"),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				applySecurityProfile(s, secProfile)
				applyResourceLimits(s, spec.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      scratch,
					Options:     []string{"rbind", "rw"},
				})

				s.Process.Env = append([]string(nil), baseEnv...)
				return nil
			},
		),
	)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return "", fmt.Errorf("creating sandbox container: %w", err)
	}

	return spec.ID, nil
}

func (d *Containerd) StartSandbox(ctx context.Context, handle string) error {
	nsCtx := d.withNS(ctx)

	container, err := d.conn().LoadContainer(nsCtx, handle)
	if err != nil {
		return d.mapNotFound(err, "loading sandbox")
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("creating init task: %w", err)
	}

	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		return fmt.Errorf("starting init task: %w", err)
	}

	return nil
}

func (d *Containerd) Exec(ctx context.Context, handle string, argv []string) (*ExecStream, error) {
	nsCtx := d.withNS(ctx)

	container, err := d.conn().LoadContainer(nsCtx, handle)
	if err != nil {
		return nil, d.mapNotFound(err, "loading sandbox")
	}

	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return nil, d.mapNotFound(err, "loading init task")
	}

	spec, err := container.Spec(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("loading sandbox spec: %w", err)
	}

	pspec := *spec.Process
	pspec.Args = argv
	pspec.Cwd = "/workspace"
	pspec.Env = append([]string(nil), baseEnv...)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	execID := "run-" + uuid.New().String()[:8]
	proc, err := task.Exec(nsCtx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, outW, errW)))
	if err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("creating exec process: %w", err)
	}

	exitCh, err := proc.Wait(nsCtx)
	if err != nil {
		_, _ = proc.Delete(nsCtx)
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("waiting on exec process: %w", err)
	}

	if err := proc.Start(nsCtx); err != nil {
		_, _ = proc.Delete(nsCtx)
		_ = outW.Close()
		_ = errW.Close()
		return nil, fmt.Errorf("starting exec process: %w", err)
	}

	exited := make(chan ExitInfo, 1)
	go func() {
		status := <-exitCh
		code, exitedAt, exitErr := status.Result()

		// Drain the fifo copiers before signalling exit so no output chunk
		// arrives after the terminal status.
		if pio := proc.IO(); pio != nil {
			pio.Wait()
		}
		_ = outW.Close()
		_ = errW.Close()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := proc.Delete(d.withNS(cleanupCtx)); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("handle", handle).Str("exec_id", execID).Msg("failed to delete exec process")
		}

		exited <- ExitInfo{Code: int(code), At: exitedAt, Err: exitErr}
	}()

	kill := func(killCtx context.Context) error {
		return proc.Kill(d.withNS(killCtx), syscall.SIGKILL)
	}

	return NewExecStream(execID, outR, errR, exited, kill), nil
}

func (d *Containerd) CopyIn(_ context.Context, handle, name string, content []byte) error {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid scratch file name %q", name)
	}
	dest := filepath.Join(d.scratchDir(handle), name)
	if _, err := os.Stat(d.scratchDir(handle)); err != nil {
		return fmt.Errorf("%w: no scratch dir for %s", ErrSandboxNotFound, handle)
	}
	// 0444: the sandbox runs as nobody and only needs to read the source.
	if err := os.WriteFile(dest, content, 0444); err != nil { // #nosec G306 -- intentionally world-readable
		return fmt.Errorf("writing %s into scratch: %w", name, err)
	}
	return nil
}

func (d *Containerd) Inspect(ctx context.Context, handle string) (Status, error) {
	nsCtx := d.withNS(ctx)

	container, err := d.conn().LoadContainer(nsCtx, handle)
	if err != nil {
		return Status{}, d.mapNotFound(err, "loading sandbox")
	}

	task, err := container.Task(nsCtx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// Container exists but its init task is gone: counts as exited.
			return Status{Running: false}, nil
		}
		return Status{}, fmt.Errorf("loading init task: %w", err)
	}

	st, err := task.Status(nsCtx)
	if err != nil {
		return Status{}, fmt.Errorf("reading task status: %w", err)
	}

	return Status{
		Running:  st.Status == containerd.Running,
		ExitCode: int(st.ExitStatus),
		ExitedAt: st.ExitTime,
	}, nil
}

func (d *Containerd) Stop(ctx context.Context, handle string, grace time.Duration) error {
	nsCtx := d.withNS(ctx)

	container, err := d.conn().LoadContainer(nsCtx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading sandbox: %w", err)
	}

	task, err := container.Task(nsCtx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading init task: %w", err)
	}

	st, err := task.Status(nsCtx)
	if err == nil && st.Status == containerd.Stopped {
		return nil
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return fmt.Errorf("waiting on init task: %w", err)
	}

	if err := task.Kill(nsCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("signalling init task: %w", err)
	}

	select {
	case <-exitCh:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Warn().Str("handle", handle).Dur("grace", grace).Msg("sandbox ignored SIGTERM, forcing SIGKILL")
	if err := task.Kill(nsCtx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("force-killing init task: %w", err)
	}

	select {
	case <-exitCh:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("sandbox %s did not exit after SIGKILL", handle)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Containerd) Remove(ctx context.Context, handle string) error {
	nsCtx := d.withNS(ctx)

	container, err := d.conn().LoadContainer(nsCtx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			_ = os.RemoveAll(d.scratchDir(handle))
			return nil
		}
		return fmt.Errorf("loading sandbox: %w", err)
	}

	if task, err := container.Task(nsCtx, nil); err == nil {
		if _, err := task.Delete(nsCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("deleting init task: %w", err)
		}
	}

	if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting sandbox container: %w", err)
	}

	if err := os.RemoveAll(d.scratchDir(handle)); err != nil {
		return fmt.Errorf("removing scratch dir: %w", err)
	}

	return nil
}

func (d *Containerd) ListTagged(ctx context.Context, label string) ([]string, error) {
	nsCtx := d.withNS(ctx)

	containerList, err := d.conn().Containers(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var handles []string
	for _, c := range containerList {
		labels, err := c.Labels(nsCtx)
		if err != nil {
			continue
		}
		if _, ok := labels[label]; ok {
			handles = append(handles, c.ID())
		}
	}
	return handles, nil
}

// PruneImages removes images no language needs. Language images stay cached
// so environment creation keeps its warm-start latency.
func (d *Containerd) PruneImages(ctx context.Context) error {
	nsCtx := d.withNS(ctx)

	imageService := d.conn().ImageService()
	images, err := imageService.List(nsCtx)
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}

	var pruned int
	for _, img := range images {
		if d.keepImages[img.Name] {
			continue
		}
		if err := imageService.Delete(nsCtx, img.Name); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("image", img.Name).Msg("failed to prune image")
			continue
		}
		pruned++
	}

	if pruned > 0 {
		log.Info().Int("count", pruned).Msg("pruned unused images")
	}
	return nil
}

// PruneVolumes removes scratch directories whose sandbox no longer exists.
func (d *Containerd) PruneVolumes(ctx context.Context) error {
	nsCtx := d.withNS(ctx)

	entries, err := os.ReadDir(d.scratchRoot)
	if err != nil {
		return fmt.Errorf("reading scratch root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := d.conn().LoadContainer(nsCtx, entry.Name()); err == nil {
			continue
		} else if !errdefs.IsNotFound(err) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.scratchRoot, entry.Name())); err != nil {
			log.Warn().Err(err).Str("handle", entry.Name()).Msg("failed to prune scratch dir")
			continue
		}
		log.Debug().Str("handle", entry.Name()).Msg("pruned dangling scratch dir")
	}
	return nil
}

// PruneNetworks is a no-op for this driver: sandboxes run without network by
// default and namespaced network state dies with the init task.
func (d *Containerd) PruneNetworks(context.Context) error {
	return nil
}

func (d *Containerd) HostMemoryRatio() (float64, error) {
	return hostMemoryRatio(procMeminfo)
}

func (d *Containerd) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.client.Close()
}

// Healthy reports whether the containerd connection is usable. A failed
// probe triggers one reconnect attempt, so a restarted daemon comes back on
// the next health check without restarting this process.
func (d *Containerd) Healthy(ctx context.Context) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	client := d.client
	d.mu.Unlock()

	if _, err := client.Version(ctx); err == nil {
		return true
	}
	return d.reconnect(ctx) == nil
}

// reconnect replaces the containerd connection after the daemon dropped it.
func (d *Containerd) reconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("driver closed")
	}

	client, err := dial(ctx, d.socket, d.namespace)
	if err != nil {
		return fmt.Errorf("reconnecting to containerd: %w", err)
	}
	_ = d.client.Close()
	d.client = client

	log.Info().Str("socket", d.socket).Msg("reconnected to containerd")
	return nil
}

func (d *Containerd) mapNotFound(err error, op string) error {
	if errdefs.IsNotFound(err) {
		return ErrSandboxNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
