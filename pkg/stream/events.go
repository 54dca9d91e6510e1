package stream

import "github.com/andred88/bth-lab/pkg/models"

// Event types published on the admin stream.
const (
	TypeSessionStarted      = "session_started"
	TypeSessionEnded        = "session_ended"
	TypeSessionExpired      = "session_expired"
	TypeSessionDisconnected = "session_disconnected"
	TypePolicyChanged       = "policy_changed"
)

type sessionPayload struct {
	SessionID string `json:"session_id"`
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address"`
	Role      string `json:"role"`
}

func sessionEvent(eventType string, s *models.Session) Event {
	return NewEvent(eventType, sessionPayload{
		SessionID: s.ID.String(),
		Username:  s.Username,
		IPAddress: s.IPAddress,
		Role:      s.Role,
	})
}

func SessionStarted(s *models.Session) Event      { return sessionEvent(TypeSessionStarted, s) }
func SessionEnded(s *models.Session) Event        { return sessionEvent(TypeSessionEnded, s) }
func SessionExpired(s *models.Session) Event      { return sessionEvent(TypeSessionExpired, s) }
func SessionDisconnected(s *models.Session) Event { return sessionEvent(TypeSessionDisconnected, s) }

// PolicyChanged announces a blocked-site or role change so dashboards
// refresh their policy views.
func PolicyChanged(role, domain, action string) Event {
	return NewEvent(TypePolicyChanged, map[string]string{
		"role":   role,
		"domain": domain,
		"action": action,
	})
}
