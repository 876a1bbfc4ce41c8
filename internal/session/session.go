// Package session reads the driver's identity from durable storage. The
// bearer credential is opaque to the coordinator except as a last resort for
// recovering the driver id.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-coordinator/internal/storage"
)

var (
	// ErrSessionExpired means no driver identity could be found; the driver
	// must authenticate again. It is never retried.
	ErrSessionExpired = errors.New("session expired: re-authentication required")
	// ErrMissingVehicleType blocks going online until a vehicle is registered.
	ErrMissingVehicleType = errors.New("no registered vehicle type")
)

// Identity of the signed-in driver.
type Identity struct {
	DriverID    string
	DriverName  string
	Token       string
	VehicleType string
}

// Provider loads the Identity from a KV store.
type Provider struct {
	kv storage.KV
}

func NewProvider(kv storage.KV) *Provider { return &Provider{kv: kv} }

// Load returns the identity. A missing driver id falls back to the token's
// subject claim; if that is missing too the session is expired.
func (p *Provider) Load(ctx context.Context) (Identity, error) {
	id := Identity{}
	var err error
	if id.DriverID, err = p.get(ctx, storage.KeyDriverID); err != nil {
		return Identity{}, err
	}
	if id.Token, err = p.get(ctx, storage.KeyAuthToken); err != nil {
		return Identity{}, err
	}
	if id.DriverName, err = p.get(ctx, storage.KeyDriverName); err != nil {
		return Identity{}, err
	}
	if id.VehicleType, err = p.get(ctx, storage.KeyVehicleType); err != nil {
		return Identity{}, err
	}
	if id.DriverID == "" && id.Token != "" {
		id.DriverID = subjectOf(id.Token)
	}
	if id.DriverID == "" {
		return Identity{}, ErrSessionExpired
	}
	id.VehicleType = strings.ToLower(strings.TrimSpace(id.VehicleType))
	return id, nil
}

// RequireVehicle is Load plus the vehicle-type check needed to go online.
func (p *Provider) RequireVehicle(ctx context.Context) (Identity, error) {
	id, err := p.Load(ctx)
	if err != nil {
		return Identity{}, err
	}
	if id.VehicleType == "" {
		return Identity{}, ErrMissingVehicleType
	}
	return id, nil
}

// Save stores the identity written by a sign-in. Empty fields are left as
// they are.
func (p *Provider) Save(ctx context.Context, id Identity) error {
	for key, v := range map[string]string{
		storage.KeyDriverID:    id.DriverID,
		storage.KeyDriverName:  id.DriverName,
		storage.KeyAuthToken:   id.Token,
		storage.KeyVehicleType: id.VehicleType,
	} {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if err := p.kv.Set(ctx, key, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil
}

func (p *Provider) get(ctx context.Context, key string) (string, error) {
	v, err := p.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return strings.TrimSpace(v), nil
}

// subjectOf reads the driver id from an unverified token; the signature is
// checked by the backend, not here.
func subjectOf(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, k := range []string{"driverId", "driver_id", "sub"} {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
