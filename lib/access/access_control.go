package access

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/signing"
	"github.com/HORNET-Storage/hornet-relay/lib/types"
)

const (
	ModePublic       = "public"
	ModeOnlyMe       = "only_me"
	ModeAllowedUsers = "allowed_users"
)

// AccessControl decides whether an author may publish. It runs ahead of
// the relay core, which only ever sees the verdict.
type AccessControl struct {
	mu       sync.RWMutex
	settings *types.AllowedUsersSettings
	allowed  map[string]struct{}
}

// NewAccessControl creates a new access control instance
func NewAccessControl(settings *types.AllowedUsersSettings) *AccessControl {
	ac := &AccessControl{}
	ac.UpdateSettings(settings)
	return ac
}

// CanWrite returns nil when pubkey may publish under the current mode
func (ac *AccessControl) CanWrite(pubkey string) error {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	if ac.settings.Mode == ModePublic {
		return nil
	}

	hex, err := signing.NormalizePublicKey(pubkey)
	if err != nil {
		return err
	}

	if isOwner(hex) {
		return nil
	}

	if ac.settings.Mode == ModeAllowedUsers {
		if _, ok := ac.allowed[hex]; ok {
			return nil
		}
	}

	return fmt.Errorf("user does not have permission to write")
}

// ValidateSettings normalizes the mode and drops keys that cannot be parsed
func (ac *AccessControl) ValidateSettings(settings *types.AllowedUsersSettings) error {
	if settings == nil {
		return fmt.Errorf("settings cannot be nil")
	}

	mode := strings.ToLower(strings.TrimSpace(settings.Mode))
	switch mode {
	case ModePublic, ModeOnlyMe, ModeAllowedUsers:
	case "":
		mode = ModePublic
	default:
		return fmt.Errorf("unknown access mode %q", settings.Mode)
	}
	settings.Mode = mode

	users := make([]string, 0, len(settings.Users))
	for _, user := range settings.Users {
		hex, err := signing.NormalizePublicKey(user)
		if err != nil {
			logging.Warn("Ignoring invalid allowed user", map[string]interface{}{"user": user, "error": err})
			continue
		}
		users = append(users, hex)
	}
	settings.Users = users

	return nil
}

// GetSettings returns the current access control settings
func (ac *AccessControl) GetSettings() *types.AllowedUsersSettings {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.settings
}

// UpdateSettings swaps in new settings, an invalid mode falls back to only_me
func (ac *AccessControl) UpdateSettings(settings *types.AllowedUsersSettings) {
	if settings == nil {
		settings = &types.AllowedUsersSettings{Mode: ModePublic}
	}

	normalized := *settings
	if err := ac.ValidateSettings(&normalized); err != nil {
		logging.Warn("Invalid access settings, restricting to owner", map[string]interface{}{"error": err})
		normalized.Mode = ModeOnlyMe
	}

	allowed := make(map[string]struct{}, len(normalized.Users))
	for _, user := range normalized.Users {
		allowed[user] = struct{}{}
	}

	ac.mu.Lock()
	ac.settings = &normalized
	ac.allowed = allowed
	ac.mu.Unlock()
}

// Is the incoming pub key the owner of the relay
func isOwner(hex string) bool {
	ownerKey := viper.GetString("relay.public_key")
	if ownerKey == "" {
		return false
	}

	ownerHex, err := signing.NormalizePublicKey(ownerKey)
	if err != nil {
		return false
	}

	return hex == ownerHex
}
