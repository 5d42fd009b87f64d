package websocket

import (
	"github.com/spf13/viper"

	"github.com/HORNET-Storage/hornet-relay/lib/access"
	"github.com/HORNET-Storage/hornet-relay/lib/logging"
	"github.com/HORNET-Storage/hornet-relay/lib/types"
)

// LoadAccessControl builds the publish guard from the allowed_users settings
func LoadAccessControl() *access.AccessControl {
	var settings types.AllowedUsersSettings
	if err := viper.UnmarshalKey("allowed_users", &settings); err != nil {
		logging.Warnf("No allowed users settings found, using public mode: %v", err)
		settings = types.AllowedUsersSettings{Mode: access.ModePublic}
	}

	ac := access.NewAccessControl(&settings)
	logging.Infof("Access control initialized in %s mode", ac.GetSettings().Mode)
	return ac
}

// UpdateAccessControlSettings re-reads allowed_users after a config change
func (s *Server) UpdateAccessControlSettings() {
	if s.access == nil {
		return
	}

	var settings types.AllowedUsersSettings
	if err := viper.UnmarshalKey("allowed_users", &settings); err != nil {
		logging.Warnf("Failed to reload allowed users settings: %v", err)
		return
	}

	s.access.UpdateSettings(&settings)
	logging.Infof("Access control settings updated to %s mode", s.access.GetSettings().Mode)
}
