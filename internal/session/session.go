package session

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Identity is the authenticated user this process notifies for. It is
// re-read, never mutated: login/logout transitions replace the credentials
// file and the daemon picks the change up on its next check.
type Identity struct {
	EmpID     string `json:"empId"`
	AuthToken string `json:"authToken"`
}

func (i Identity) Valid() bool {
	return strings.TrimSpace(i.EmpID) != "" && strings.TrimSpace(i.AuthToken) != ""
}

// Load reads the credentials file. A missing or corrupt file fails open to
// "no session": the zero Identity is returned with a nil error and the
// caller idles until a session appears.
func Load(path string, logger *zap.Logger) (Identity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, nil
		}
		logger.Warn("credentials unreadable, treating as no session",
			zap.String("path", path), zap.Error(err))
		return Identity{}, nil
	}
	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		logger.Warn("credentials corrupt, treating as no session",
			zap.String("path", path), zap.Error(err))
		return Identity{}, nil
	}
	identity.EmpID = strings.TrimSpace(identity.EmpID)
	identity.AuthToken = strings.TrimSpace(identity.AuthToken)
	return identity, nil
}
