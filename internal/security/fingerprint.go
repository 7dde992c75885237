package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/DhaneshPachipulusu/license-poc/internal/files"
)

// MachineIDFile is the fingerprint cache inside the state directory
const MachineIDFile = "machine_id.json"

// Fingerprint sources recorded in the cache file
const (
	SourceHardware = "hardware"
	SourceRandom   = "random"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// DeviceFingerprint is the cached machine identity
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"`
	Factors     []string  `json:"factors"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FactorSource reads one hardware factor. An empty value or an error means
// the factor is unavailable on this host.
type FactorSource struct {
	Name string
	Read func(ctx context.Context) (string, error)
}

// FingerprintOption configures a FingerprintManager
type FingerprintOption func(*FingerprintManager)

// WithFactorSources replaces the default hardware probes
func WithFactorSources(sources ...FactorSource) FingerprintOption {
	return func(fm *FingerprintManager) {
		fm.sources = sources
	}
}

// WithFingerprintLogger sets the logger
func WithFingerprintLogger(logger *slog.Logger) FingerprintOption {
	return func(fm *FingerprintManager) {
		fm.logger = logger
	}
}

// WithFingerprintClock sets the clock used for GeneratedAt
func WithFingerprintClock(now func() time.Time) FingerprintOption {
	return func(fm *FingerprintManager) {
		fm.now = now
	}
}

// FingerprintManager computes the machine fingerprint once and then serves
// it from machine_id.json in the state directory
type FingerprintManager struct {
	files   *files.Manager
	sources []FactorSource
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewFingerprintManager creates a fingerprint manager for stateDir
func NewFingerprintManager(stateDir string, opts ...FingerprintOption) *FingerprintManager {
	fm := &FingerprintManager{
		files:   files.NewManager(stateDir),
		sources: DefaultFactorSources(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(fm)
	}
	fm.logger = fm.logger.With(slog.String("component", "fingerprint"))
	return fm
}

// Generate returns the cached fingerprint, computing and persisting it on
// first use.
func (fm *FingerprintManager) Generate(ctx context.Context) (*DeviceFingerprint, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if cached, err := fm.readCache(); err == nil {
		fm.logger.DebugContext(ctx, "Using cached device fingerprint",
			slog.String("source", cached.Source),
			slog.Time("generated_at", cached.GeneratedAt),
		)
		return cached, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		fm.logger.WarnContext(ctx, "Ignoring unreadable fingerprint cache",
			slog.String("error", err.Error()),
		)
	}

	start := time.Now()
	fp, err := fm.compute(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode fingerprint: %w", err)
	}
	if err := fm.files.WriteFileAtomic(MachineIDFile, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist fingerprint: %w", err)
	}

	fm.logger.InfoContext(ctx, "Device fingerprint generated successfully",
		slog.String("source", fp.Source),
		slog.String("factors", strings.Join(fp.Factors, ",")),
		slog.Duration("generation_time", time.Since(start)),
	)
	return fp, nil
}

// Current returns just the fingerprint string
func (fm *FingerprintManager) Current(ctx context.Context) (string, error) {
	fp, err := fm.Generate(ctx)
	if err != nil {
		return "", err
	}
	return fp.Fingerprint, nil
}

// ValidateFingerprint compares the current device fingerprint with a stored one
func (fm *FingerprintManager) ValidateFingerprint(ctx context.Context, stored string) (bool, error) {
	current, err := fm.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to generate current fingerprint: %w", err)
	}
	return SecureCompare([]byte(current), []byte(stored)), nil
}

// ComputeFresh evaluates the factor sources without touching the cache.
// Used for diagnostics only.
func (fm *FingerprintManager) ComputeFresh(ctx context.Context) (string, []string) {
	return fm.hashFactors(ctx)
}

func (fm *FingerprintManager) readCache() (*DeviceFingerprint, error) {
	data, err := fm.files.ReadFile(MachineIDFile)
	if err != nil {
		return nil, err
	}
	var fp DeviceFingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MachineIDFile, err)
	}
	if !fingerprintPattern.MatchString(fp.Fingerprint) {
		return nil, fmt.Errorf("%s holds an invalid fingerprint", MachineIDFile)
	}
	return &fp, nil
}

func (fm *FingerprintManager) compute(ctx context.Context) (*DeviceFingerprint, error) {
	digest, names := fm.hashFactors(ctx)
	if digest != "" {
		return &DeviceFingerprint{
			Fingerprint: digest,
			Source:      SourceHardware,
			Factors:     names,
			GeneratedAt: fm.now().UTC(),
		}, nil
	}

	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("failed to generate random machine id: %w", err)
	}
	fm.logger.WarnContext(ctx, "No hardware factors available, using random machine id; binding is weak")

	return &DeviceFingerprint{
		Fingerprint: hex.EncodeToString(b[:]),
		Source:      SourceRandom,
		Factors:     []string{},
		GeneratedAt: fm.now().UTC(),
	}, nil
}

// hashFactors joins the available factors as name=value with "|" in source
// order and hashes them. Returns "" when no factor is available.
func (fm *FingerprintManager) hashFactors(ctx context.Context) (string, []string) {
	var parts, names []string
	for _, src := range fm.sources {
		value, err := src.Read(ctx)
		value = strings.TrimSpace(value)
		if err != nil || value == "" {
			attrs := []any{slog.String("factor", src.Name)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			fm.logger.DebugContext(ctx, "Fingerprint factor unavailable", attrs...)
			continue
		}
		parts = append(parts, src.Name+"="+value)
		names = append(names, src.Name)
	}
	if len(parts) == 0 {
		return "", nil
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:]), names
}

// DefaultFactorSources returns the hardware probes in their fixed order
func DefaultFactorSources() []FactorSource {
	return []FactorSource{
		{Name: "machine_id", Read: readMachineID},
		{Name: "mac", Read: func(context.Context) (string, error) { return GetMACAddress() }},
		{Name: "cpu", Read: readCPUModel},
		{Name: "cloud_id", Read: readCloudID},
	}
}

func readMachineID(context.Context) (string, error) {
	if id, err := readFirstFile("/etc/machine-id", "/var/lib/dbus/machine-id"); err == nil {
		return id, nil
	}
	// Windows exposes MachineGuid through the registry only; installers
	// export it into the service environment.
	if id := os.Getenv("MACHINE_GUID"); id != "" {
		return strings.ToLower(id), nil
	}
	return "", errors.New("no machine id available")
}

func readCPUModel(context.Context) (string, error) {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "model name") {
				if _, value, ok := strings.Cut(line, ":"); ok {
					return strings.TrimSpace(value), nil
				}
			}
		}
		return "", errors.New("no model name in /proc/cpuinfo")
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("cpu model not available on %s", runtime.GOOS)
}

func readCloudID(context.Context) (string, error) {
	id, err := readFirstFile("/sys/class/dmi/id/product_uuid", "/sys/hypervisor/uuid")
	if err != nil {
		return "", err
	}
	return strings.ToLower(id), nil
}

func readFirstFile(paths ...string) (string, error) {
	var errs []error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	errs = append(errs, errors.New("no readable source"))
	return "", errors.Join(errs...)
}

// GetMACAddress retrieves the primary network interface MAC address
func GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// First non-loopback, up interface with a MAC address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) > 0 {
			mac := iface.HardwareAddr.String()
			if mac != "" && mac != "00:00:00:00:00:00" {
				return mac, nil
			}
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// GetHostname retrieves the machine hostname
func GetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// OSInfo describes the running platform
func OSInfo() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
