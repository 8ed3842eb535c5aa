// Package license caches license verification results in a blob sealed
// under a machine-derived key. A cached result is good while the last
// verification is under eight hours old and the license has not expired;
// anything else forces a round-trip to the license server.
package license

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/northriverfence/orbit/pkg/cryptoseal"
)

const (
	maxVerificationAge = 8 * time.Hour
	cacheFileName      = "license.enc"
	verifyTimeout      = 15 * time.Second
)

var (
	ErrNotHTTPS       = errors.New("license server URL must start with https://")
	ErrInvalidLicense = errors.New("license is invalid or expired")
)

type cachedLicense struct {
	Key        string             `json:"key"`
	VerifiedAt jsontime.UnixMilli `json:"verified_at"`
	ExpiresAt  jsontime.UnixMilli `json:"expires_at"`
}

type Manager struct {
	serverURL string
	dataDir   string
	key       string
	client    *http.Client
	machineID func() string
	log       zerolog.Logger
}

func NewManager(serverURL, dataDir, licenseKey string, log zerolog.Logger) (*Manager, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if !strings.HasPrefix(serverURL, "https://") {
		return nil, fmt.Errorf("%w: %q", ErrNotHTTPS, serverURL)
	}
	return &Manager{
		serverURL: serverURL,
		dataDir:   dataDir,
		key:       licenseKey,
		client:    &http.Client{Timeout: verifyTimeout},
		machineID: defaultMachineID,
		log:       log.With().Str("component", "license").Logger(),
	}, nil
}

// Validate returns nil when a valid license is cached or the server
// confirms one.
func (m *Manager) Validate(ctx context.Context) error {
	if cached, err := m.loadCache(); err == nil && m.isValid(cached) {
		return nil
	}
	m.log.Warn().Msg("License cache expired or missing, verifying with server")
	ok, err := m.verifyWithServer(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidLicense
	}
	return m.cacheLicense()
}

func (m *Manager) isValid(cached *cachedLicense) bool {
	now := time.Now()
	if cached.Key != m.key {
		return false
	}
	if age := now.Sub(cached.VerifiedAt.Time); age > maxVerificationAge {
		m.log.Warn().Float64("verified_hours_ago", age.Hours()).Msg("License verification too old")
		return false
	}
	if now.After(cached.ExpiresAt.Time) {
		m.log.Warn().Msg("License expired")
		return false
	}
	return true
}

func (m *Manager) verifyWithServer(ctx context.Context) (bool, error) {
	payload, err := json.Marshal(map[string]string{
		"license_key": m.key,
		"machine_id":  m.machineID(),
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/api/v1/licenses/verify", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("license server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var body struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode verify response: %w", err)
	}
	return body.Valid, nil
}

func (m *Manager) cacheLicense() error {
	cached := cachedLicense{
		Key:        m.key,
		VerifiedAt: jsontime.UM(time.Now()),
		ExpiresAt:  jsontime.UM(time.Now().Add(365 * 24 * time.Hour)),
	}
	plaintext, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	blob, err := cryptoseal.Seal(m.machineKey(), plaintext)
	if err != nil {
		return fmt.Errorf("seal license cache: %w", err)
	}
	path := filepath.Join(m.dataDir, cacheFileName)
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

func (m *Manager) loadCache() (*cachedLicense, error) {
	blob, err := os.ReadFile(filepath.Join(m.dataDir, cacheFileName))
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptoseal.Open(m.machineKey(), blob)
	if err != nil {
		return nil, err
	}
	var cached cachedLicense
	if err := json.Unmarshal(plaintext, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

// machineKey derives the sealing key from the machine identity; a license
// blob copied to another machine does not decrypt.
func (m *Manager) machineKey() []byte {
	sum := sha256.Sum256([]byte(m.machineID()))
	return sum[:]
}

func defaultMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown-machine"
	}
	return host
}
